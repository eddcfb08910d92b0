package validation

import (
	"fmt"

	"github.com/tenantry/loom/pkg/schema"
)

// ValidateWorkflowSemantics runs the checks JSON Schema cannot express:
// step id uniqueness, transition endpoint references, entry step existence,
// SLA step keys, reachability, and step-shape conventions.
func ValidateWorkflowSemantics(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("definition", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if stepIDs[step.ID] {
			result.AddError(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
			continue
		}
		stepIDs[step.ID] = true
	}

	if def.EntryStepID != "" && !stepIDs[def.EntryStepID] {
		result.AddError("entry_step_id", schema.ErrCodeValidation,
			fmt.Sprintf("entry step %q does not exist", def.EntryStepID))
	}

	for i, tr := range def.Transitions {
		if !stepIDs[tr.From] {
			result.AddError(fmt.Sprintf("transitions[%d].from", i), schema.ErrCodeValidation,
				fmt.Sprintf("transition from unknown step %q", tr.From))
		}
		if !stepIDs[tr.To] {
			result.AddError(fmt.Sprintf("transitions[%d].to", i), schema.ErrCodeValidation,
				fmt.Sprintf("transition to unknown step %q", tr.To))
		}
	}

	for _, step := range def.Steps {
		switch step.Type {
		case schema.StepTypeAutomation:
			if step.Action == nil || step.Action.Operation == nil {
				result.AddWarning(fmt.Sprintf("steps[%s]", step.ID), schema.ErrCodeValidation,
					fmt.Sprintf("automation step %q declares no operation", step.ID))
			}
		case schema.StepTypeHuman:
			if step.Action == nil || step.Action.Form == nil {
				result.AddWarning(fmt.Sprintf("steps[%s]", step.ID), schema.ErrCodeValidation,
					fmt.Sprintf("human step %q declares no form", step.ID))
			}
		}
	}

	if def.SLA != nil {
		for stepID := range def.SLA.StepDurationMs {
			if !stepIDs[stepID] {
				result.AddError("sla.step_duration_ms", schema.ErrCodeValidation,
					fmt.Sprintf("sla references unknown step %q", stepID))
			}
		}
	}

	result.Merge(checkReachability(def, stepIDs))
	return result
}

// checkReachability walks transitions from the entry step and warns about
// steps that can never be reached. Skipped when endpoint errors already
// make the graph unreliable.
func checkReachability(def *schema.WorkflowDefinition, stepIDs map[string]bool) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	entry := def.EntryStep()
	if entry == "" || !stepIDs[entry] {
		return result
	}

	next := make(map[string][]string, len(def.Transitions))
	for _, tr := range def.Transitions {
		if stepIDs[tr.From] && stepIDs[tr.To] {
			next[tr.From] = append(next[tr.From], tr.To)
		}
	}

	reachable := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, to := range next[node] {
			if !reachable[to] {
				reachable[to] = true
				queue = append(queue, to)
			}
		}
	}

	for _, step := range def.Steps {
		if !reachable[step.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", step.ID), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the entry step", step.ID))
		}
	}
	return result
}

// ValidatePolicySpec checks a policy spec's internal references: rule
// effects, rate-limit ids, consent ids, relationship types, and duplicate
// field policies.
func ValidatePolicySpec(spec *schema.PolicySpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if spec == nil {
		result.AddError("policy", schema.ErrCodeValidation, "policy spec is nil")
		return result
	}

	consentIDs := make(map[string]bool, len(spec.Consents))
	for i, c := range spec.Consents {
		if c.ID == "" {
			result.AddError(fmt.Sprintf("consents[%d]", i), schema.ErrCodeValidation,
				"consent requires an id")
			continue
		}
		if consentIDs[c.ID] {
			result.AddError(fmt.Sprintf("consents[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate consent id %q", c.ID))
		}
		consentIDs[c.ID] = true
	}

	declaredRelations := make(map[string]bool, len(spec.Relationships))
	for _, rel := range spec.Relationships {
		declaredRelations[rel.Name] = true
	}

	for i, rule := range spec.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if rule.Effect != schema.EffectAllow && rule.Effect != schema.EffectDeny {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("unknown effect %q", rule.Effect))
		}
		if rule.RateLimit != nil && rule.RateLimit.Ref != "" {
			if _, ok := spec.RateLimits[rule.RateLimit.Ref]; !ok {
				result.AddError(path+".rate_limit", schema.ErrCodeValidation,
					fmt.Sprintf("rate limit %q is not declared", rule.RateLimit.Ref))
			}
		}
		for _, rel := range rule.Relationships {
			if len(declaredRelations) > 0 && !declaredRelations[rel.Relation] {
				result.AddWarning(path+".relationships", schema.ErrCodeValidation,
					fmt.Sprintf("relation %q is not declared", rel.Relation))
			}
		}
	}

	seenFields := make(map[string]bool, len(spec.FieldPolicies))
	for i, fp := range spec.FieldPolicies {
		key := fp.Field + "|" + string(fp.Effect)
		if seenFields[key] {
			result.AddWarning(fmt.Sprintf("field_policies[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate %s field policy for %q", fp.Effect, fp.Field))
		}
		seenFields[key] = true
	}

	return result
}
