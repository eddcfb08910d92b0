// Package policy implements the rule-based policy decision engine:
// allow/deny rules, field-level overrides, consent requirements, rate
// limits and relationship-based authorization.
package policy

import (
	"context"
	"log/slog"

	"github.com/tenantry/loom/internal/expressions"
	"github.com/tenantry/loom/pkg/schema"
)

// Lookup resolves policy refs to registered specs. Satisfied by
// registry.Registry[schema.PolicySpec].
type Lookup interface {
	Get(key string, version ...int) (schema.PolicySpec, bool)
}

// Engine evaluates decision requests against registered policies.
// Resolution is fail-closed: an unresolvable policy ref or rate-limit ref is
// an error, never a silent skip.
type Engine struct {
	policies Lookup
	cel      *expressions.CELEngine
	logger   *slog.Logger
}

// NewEngine creates a policy engine backed by the given policy lookup.
func NewEngine(policies Lookup, logger *slog.Logger) (*Engine, error) {
	if policies == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "policy lookup is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engine{policies: policies, cel: cel, logger: logger}, nil
}

// Decide evaluates the decision context against every referenced policy, in
// order. The first matching deny rule across all policies short-circuits to
// deny. A matching allow rule with uncovered consents is treated as deny
// with reason "consent_required". The final effect is allow only when some
// rule explicitly allowed; the default is deny with no reason.
func (e *Engine) Decide(ctx context.Context, in schema.DecisionContext) (schema.PolicyDecision, error) {
	specs := make([]schema.PolicySpec, 0, len(in.PolicyRefs))
	for _, ref := range in.PolicyRefs {
		spec, ok := e.policies.Get(ref.Key, ref.Version)
		if !ok {
			return schema.PolicyDecision{}, schema.NewErrorf(schema.ErrCodeNotFound,
				"policy %q not found", ref.Key).
				WithDetails(map[string]any{"key": ref.Key, "version": ref.Version})
		}
		specs = append(specs, spec)
	}

	condData := conditionData(in)

	var (
		allowed        bool
		reason         string
		rateLimit      *schema.RateLimit
		escalate       bool
		pii            *schema.PIIConfig
		fieldDecisions = make(map[string]schema.PolicyEffect)
	)

	for i := range specs {
		spec := &specs[i]

		if pii == nil && spec.PII != nil {
			pii = spec.PII
		}

		rule := e.firstMatchingRule(ctx, spec, in, condData)
		if rule != nil {
			if rule.Effect == schema.EffectDeny {
				denyReason := rule.Reason
				if denyReason == "" {
					denyReason = spec.Meta.Key
				}
				return schema.PolicyDecision{
					Effect: schema.EffectDeny,
					Reason: denyReason,
				}, nil
			}

			if missing := uncoveredConsents(rule.RequiresConsent, in.Subject.Consents); len(missing) > 0 {
				return schema.PolicyDecision{
					Effect:           schema.EffectDeny,
					Reason:           schema.ReasonConsentRequired,
					RequiredConsents: consentCatalog(spec, missing),
				}, nil
			}

			allowed = true
			if reason == "" {
				reason = rule.Reason
			}
			if rateLimit == nil && rule.RateLimit != nil {
				rl, err := resolveRateLimit(spec, rule.RateLimit)
				if err != nil {
					return schema.PolicyDecision{}, err
				}
				rateLimit = rl
			}
			if !escalate && rule.Escalate {
				escalate = true
			}
		}

		e.applyFieldPolicies(ctx, spec, in, condData, fieldDecisions)
	}

	decision := schema.PolicyDecision{
		Effect:    schema.EffectDeny,
		RateLimit: rateLimit,
		Escalate:  escalate,
		PII:       pii,
	}
	if len(fieldDecisions) > 0 {
		decision.FieldDecisions = fieldDecisions
	}
	if allowed {
		decision.Effect = schema.EffectAllow
		decision.Reason = reason
	}
	return decision, nil
}

// firstMatchingRule scans the policy's rules in declaration order.
func (e *Engine) firstMatchingRule(ctx context.Context, spec *schema.PolicySpec, in schema.DecisionContext, condData map[string]any) *schema.PolicyRule {
	for i := range spec.Rules {
		if e.ruleMatches(ctx, &spec.Rules[i], in, condData) {
			return &spec.Rules[i]
		}
	}
	return nil
}

func (e *Engine) ruleMatches(ctx context.Context, rule *schema.PolicyRule, in schema.DecisionContext, condData map[string]any) bool {
	if !actionMatches(rule.Actions, in.Action) {
		return false
	}
	if !subjectMatches(rule.Subject, in.Subject) {
		return false
	}
	if !resourceMatches(rule.Resource, in.Resource) {
		return false
	}
	if !flagsPresent(rule.Flags, in.Flags) {
		return false
	}
	if !relationshipsSatisfied(rule.Relationships, in.Subject.Relationships, in.Resource) {
		return false
	}
	for _, cond := range rule.Conditions {
		if !e.cel.EvaluateBool(ctx, cond.Expression, condData) {
			return false
		}
	}
	return true
}

// applyFieldPolicies evaluates the spec's field policies into the shared
// field decision map. A deny claims the field permanently; an allow from a
// later policy may overwrite an earlier allow.
func (e *Engine) applyFieldPolicies(ctx context.Context, spec *schema.PolicySpec, in schema.DecisionContext, condData map[string]any, decisions map[string]schema.PolicyEffect) {
	for i := range spec.FieldPolicies {
		fp := &spec.FieldPolicies[i]
		if !actionMatches(fp.Actions, in.Action) {
			continue
		}
		if !subjectMatches(fp.Subject, in.Subject) {
			continue
		}
		conditionsHold := true
		for _, cond := range fp.Conditions {
			if !e.cel.EvaluateBool(ctx, cond.Expression, condData) {
				conditionsHold = false
				break
			}
		}
		if !conditionsHold {
			continue
		}
		if decisions[fp.Field] == schema.EffectDeny {
			continue
		}
		decisions[fp.Field] = fp.Effect
	}
}

// uncoveredConsents returns required consent ids the subject has not granted.
func uncoveredConsents(required, granted []string) []string {
	if len(required) == 0 {
		return nil
	}
	grantedSet := make(map[string]struct{}, len(granted))
	for _, id := range granted {
		grantedSet[id] = struct{}{}
	}
	var missing []string
	for _, id := range required {
		if _, ok := grantedSet[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// consentCatalog resolves missing consent ids against the policy's consent
// declarations, synthesizing entries for unknown ids.
func consentCatalog(spec *schema.PolicySpec, missing []string) []schema.ConsentDef {
	out := make([]schema.ConsentDef, 0, len(missing))
	for _, id := range missing {
		if def := spec.ConsentByID(id); def != nil {
			out = append(out, *def)
		} else {
			out = append(out, schema.ConsentDef{ID: id})
		}
	}
	return out
}

// resolveRateLimit materializes a rule's rate limit. A string reference must
// be declared in the policy's rate limit map.
func resolveRateLimit(spec *schema.PolicySpec, rl *schema.RuleRateLimit) (*schema.RateLimit, error) {
	if rl.Ref != "" {
		declared, ok := spec.RateLimits[rl.Ref]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodePolicy,
				"policy %q references undeclared rate limit %q", spec.Meta.Key, rl.Ref)
		}
		return &declared, nil
	}
	return &schema.RateLimit{Limit: rl.Limit, WindowMs: rl.WindowMs, Scope: rl.Scope}, nil
}

// conditionData builds the sandboxed variable map for condition expressions.
func conditionData(in schema.DecisionContext) map[string]any {
	return map[string]any{
		"subject": map[string]any{
			"id":         in.Subject.ID,
			"roles":      in.Subject.Roles,
			"attributes": orEmpty(in.Subject.Attributes),
			"consents":   in.Subject.Consents,
		},
		"resource": map[string]any{
			"id":         in.Resource.ID,
			"type":       in.Resource.Type,
			"attributes": orEmpty(in.Resource.Attributes),
		},
		"context": orEmpty(in.Context),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
