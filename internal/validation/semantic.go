package validation

import (
	"fmt"

	"github.com/runbookd/runbook/pkg/schema"
)

// ToolLookup reports whether a tool name is known. Satisfied by the tool
// registry; nil skips tool existence checks.
type ToolLookup interface {
	HasTool(name string) bool
}

var knownOperators = map[string]struct{}{
	schema.OpEquals: {}, "==": {},
	schema.OpNotEquals: {}, "!=": {},
	schema.OpGreaterThan: {}, ">": {},
	schema.OpLessThan: {}, "<": {},
	schema.OpContains:  {},
	schema.OpExists:    {},
	schema.OpNotExists: {},
}

// validateSemantic checks constraints the JSON Schema cannot express: the
// variant configuration must match the step's type tag, nested steps recurse,
// tool references must resolve, and unrecognized condition operators are
// surfaced as warnings (the evaluator treats them as satisfied at runtime).
func validateSemantic(wf *schema.Workflow, lookup ToolLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i := range wf.Steps {
		validateStep(result, fmt.Sprintf("/steps/%d", i), &wf.Steps[i], lookup)
	}
	return result
}

func validateStep(result *schema.ValidationResult, path string, step *schema.Step, lookup ToolLookup) {
	if !step.VariantConfigured() {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("step of type %q is missing its %q configuration", step.Type, step.Type))
		return
	}

	checkConditions(result, path+"/conditions", step.Conditions)

	switch step.Type {
	case schema.StepTypeTool:
		if lookup != nil && !lookup.HasTool(step.Tool.ToolName) {
			result.AddError(path+"/tool/tool_name", schema.ErrCodeToolNotFound,
				fmt.Sprintf("tool %q is not registered", step.Tool.ToolName))
		}
	case schema.StepTypeConditional:
		cfg := step.Conditional
		checkConditions(result, path+"/conditional/condition", cfg.Condition)
		if cfg.Then == nil && cfg.Else == nil {
			result.AddWarning(path+"/conditional", schema.ErrCodeValidation,
				"conditional step has neither then nor else branch")
		}
		if cfg.Then != nil {
			validateStep(result, path+"/conditional/then", cfg.Then, lookup)
		}
		if cfg.Else != nil {
			validateStep(result, path+"/conditional/else", cfg.Else, lookup)
		}
	case schema.StepTypeLoop:
		validateStep(result, path+"/loop/step", step.Loop.Step, lookup)
	case schema.StepTypeParallel:
		for i := range step.Parallel.Steps {
			validateStep(result, fmt.Sprintf("%s/parallel/steps/%d", path, i), &step.Parallel.Steps[i], lookup)
		}
	}
}

func checkConditions(result *schema.ValidationResult, path string, conds []schema.Condition) {
	for i, c := range conds {
		if _, ok := knownOperators[c.Operator]; !ok {
			result.AddWarning(fmt.Sprintf("%s/%d", path, i), schema.ErrCodeValidation,
				fmt.Sprintf("unrecognized condition operator %q evaluates as satisfied at runtime", c.Operator))
		}
	}
}
