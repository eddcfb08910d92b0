package schema

// PolicyEffect is the outcome of a policy rule or decision.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// PolicySpec is a registered, versioned bundle of authorization rules.
type PolicySpec struct {
	Meta          SpecMeta             `json:"meta"`
	Rules         []PolicyRule         `json:"rules"`
	FieldPolicies []FieldPolicyRule    `json:"field_policies,omitempty"`
	PII           *PIIConfig           `json:"pii,omitempty"`
	Relationships []RelationshipDef    `json:"relationships,omitempty"`
	Consents      []ConsentDef         `json:"consents,omitempty"`
	RateLimits    map[string]RateLimit `json:"rate_limits,omitempty"`
	OPA           *OPAConfig           `json:"opa,omitempty"`
}

// SpecKey returns the registry key.
func (s PolicySpec) SpecKey() string { return s.Meta.Key }

// SpecVersion returns the registry version.
func (s PolicySpec) SpecVersion() int { return s.Meta.Version }

// ConsentByID looks up a declared consent, or nil.
func (s *PolicySpec) ConsentByID(id string) *ConsentDef {
	for i := range s.Consents {
		if s.Consents[i].ID == id {
			return &s.Consents[i]
		}
	}
	return nil
}

// PolicyRule matches a decision request and yields an effect.
// Empty Actions matches every action. An absent Subject/Resource block
// matches any subject/resource.
type PolicyRule struct {
	Effect          PolicyEffect              `json:"effect"`
	Actions         []string                  `json:"actions,omitempty"`
	Subject         *SubjectMatch             `json:"subject,omitempty"`
	Resource        *ResourceMatch            `json:"resource,omitempty"`
	Relationships   []RelationshipRequirement `json:"relationships,omitempty"`
	RequiresConsent []string                  `json:"requires_consent,omitempty"`
	Flags           []string                  `json:"flags,omitempty"`
	RateLimit       *RuleRateLimit            `json:"rate_limit,omitempty"`
	Escalate        bool                      `json:"escalate,omitempty"`
	Conditions      []PolicyCondition         `json:"conditions,omitempty"`
	Reason          string                    `json:"reason,omitempty"`
}

// SubjectMatch constrains the requesting subject. Roles match when the
// subject holds any listed role; Attributes must all be present and equal.
type SubjectMatch struct {
	Roles      []string       `json:"roles,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ResourceMatch constrains the target resource.
type ResourceMatch struct {
	Types      []string       `json:"types,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ResourceSentinel is the relationship object id meaning "the decision's
// resource": the relation object must equal the resource id, or the resource
// type when no resource id is given.
const ResourceSentinel = "$resource"

// RelationshipRequirement requires the subject to hold a relation tuple.
type RelationshipRequirement struct {
	Relation   string `json:"relation"`
	ObjectType string `json:"object_type,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
}

// RelationshipDef declares a relation name usable in rules.
type RelationshipDef struct {
	Name        string   `json:"name"`
	ObjectTypes []string `json:"object_types,omitempty"`
}

// RelationshipTuple is a relation the subject holds on an object.
type RelationshipTuple struct {
	Relation   string `json:"relation"`
	ObjectType string `json:"object_type,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
}

// PolicyCondition is a sandboxed expression evaluated against subject,
// resource and context. Evaluation failures are treated as false.
type PolicyCondition struct {
	Expression string `json:"expression"`
}

// FieldPolicyRule yields a per-field effect. Deny always wins over allow for
// the same field within one evaluation.
type FieldPolicyRule struct {
	Field      string            `json:"field"`
	Effect     PolicyEffect      `json:"effect"`
	Actions    []string          `json:"actions,omitempty"`
	Subject    *SubjectMatch     `json:"subject,omitempty"`
	Conditions []PolicyCondition `json:"conditions,omitempty"`
}

// ConsentDef declares a consent a rule may require.
type ConsentDef struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
}

// RateLimit bounds request volume for matching decisions.
type RateLimit struct {
	Limit    int    `json:"limit"`
	WindowMs int64  `json:"window_ms"`
	Scope    string `json:"scope,omitempty"`
}

// RuleRateLimit either references a declared rate limit by id (Ref) or
// carries one inline. A non-empty Ref must be declared in the policy's
// RateLimits map.
type RuleRateLimit struct {
	Ref      string `json:"ref,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	WindowMs int64  `json:"window_ms,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

// PIIConfig declares personally-identifiable fields and a handling strategy.
type PIIConfig struct {
	Fields   []string `json:"fields"`
	Strategy string   `json:"strategy,omitempty"` // mask, redact, hash
}

// OPAConfig points a policy at an external Open Policy Agent document.
type OPAConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Path     string `json:"path,omitempty"`
}

// PolicyRef points to a registered policy. Version 0 resolves latest.
type PolicyRef = SpecRef

// Subject is the requesting principal in a decision.
type Subject struct {
	ID            string              `json:"id"`
	Roles         []string            `json:"roles,omitempty"`
	Attributes    map[string]any      `json:"attributes,omitempty"`
	Relationships []RelationshipTuple `json:"relationships,omitempty"`
	Consents      []string            `json:"consents,omitempty"`
}

// Resource is the decision target.
type Resource struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DecisionContext is the input to the policy engine.
type DecisionContext struct {
	Subject    Subject        `json:"subject"`
	Resource   Resource       `json:"resource"`
	Action     string         `json:"action"`
	PolicyRefs []PolicyRef    `json:"policy_refs"`
	Flags      []string       `json:"flags,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// PolicyDecision is the engine's verdict. Effect is allow only when some
// rule explicitly allowed; the default is deny with no reason.
type PolicyDecision struct {
	Effect           PolicyEffect            `json:"effect"`
	Reason           string                  `json:"reason,omitempty"`
	FieldDecisions   map[string]PolicyEffect `json:"field_decisions,omitempty"`
	RequiredConsents []ConsentDef            `json:"required_consents,omitempty"`
	RateLimit        *RateLimit              `json:"rate_limit,omitempty"`
	Escalate         bool                    `json:"escalate,omitempty"`
	PII              *PIIConfig              `json:"pii,omitempty"`
}

// ReasonConsentRequired is the fixed reason for consent-gated denials.
const ReasonConsentRequired = "consent_required"
