package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionStatusRunning.Terminal())

	for _, s := range []ExecutionStatus{
		ExecutionStatusCompleted,
		ExecutionStatusFailed,
		ExecutionStatusError,
		ExecutionStatusCancelled,
	} {
		assert.True(t, s.Terminal(), string(s))
	}
}
