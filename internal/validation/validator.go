package validation

import "github.com/tenantry/loom/pkg/schema"

// Validator checks specs for correctness before registration.
type Validator interface {
	ValidateWorkflow(spec *schema.WorkflowSpec) *schema.ValidationResult
	ValidatePolicy(spec *schema.PolicySpec) *schema.ValidationResult
}

// Pipeline chains the JSON Schema pass with the semantic pass. Constructed
// explicitly and passed to callers; there is no package-level default.
type Pipeline struct {
	js *JSONSchemaValidator
}

// NewPipeline creates a Pipeline with the embedded schemas compiled.
func NewPipeline() (*Pipeline, error) {
	js, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Pipeline{js: js}, nil
}

// ValidateWorkflow runs structural then semantic validation. Semantic
// checks run even when the structural pass fails, so authors see every
// issue at once.
func (p *Pipeline) ValidateWorkflow(spec *schema.WorkflowSpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if spec == nil {
		result.AddError("workflow", schema.ErrCodeValidation, "workflow spec is nil")
		return result
	}
	if spec.Meta.Key == "" {
		result.AddError("meta.key", schema.ErrCodeValidation, "workflow requires a key")
	}
	if spec.Meta.Version <= 0 {
		result.AddError("meta.version", schema.ErrCodeValidation, "workflow requires a positive version")
	}

	if err := p.js.ValidateDefinition(&spec.Definition); err != nil {
		result.AddError("definition", schema.ErrCodeValidation, err.Error())
	}
	result.Merge(ValidateWorkflowSemantics(&spec.Definition))
	return result
}

// ValidatePolicy checks a policy spec.
func (p *Pipeline) ValidatePolicy(spec *schema.PolicySpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if spec == nil {
		result.AddError("policy", schema.ErrCodeValidation, "policy spec is nil")
		return result
	}
	if spec.Meta.Key == "" {
		result.AddError("meta.key", schema.ErrCodeValidation, "policy requires a key")
	}
	if spec.Meta.Version <= 0 {
		result.AddError("meta.version", schema.ErrCodeValidation, "policy requires a positive version")
	}
	result.Merge(ValidatePolicySpec(spec))
	return result
}

var _ Validator = (*Pipeline)(nil)
