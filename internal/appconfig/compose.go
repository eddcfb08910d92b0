package appconfig

import (
	"fmt"
	"strings"

	"github.com/tenantry/loom/pkg/schema"
)

// Lookup resolves a spec reference against a registry. Satisfied by
// registry.Registry[T].
type Lookup[T any] interface {
	Get(key string, version ...int) (T, bool)
}

// Dependencies carries the registries composition resolves against. Any
// field may be nil; references into an absent registry are recorded as
// missing.
type Dependencies struct {
	Capabilities Lookup[schema.CapabilitySpec]
	Features     Lookup[schema.FeatureSpec]
	DataViews    Lookup[schema.DataViewSpec]
	Workflows    Lookup[schema.WorkflowSpec]
	Policies     Lookup[schema.PolicySpec]
	Themes       Lookup[schema.ThemeSpec]
	Telemetry    Lookup[schema.TelemetrySpec]
	Experiments  Lookup[schema.ExperimentSpec]
	Integrations Lookup[schema.IntegrationSpec]
}

// ComposeOptions controls composition behavior.
type ComposeOptions struct {
	// Strict turns a non-empty missing-reference list into an error.
	// Preview and diagnostics paths leave it false to get a best-effort,
	// partially-populated result; deployment paths opt in.
	Strict bool
}

// ComposeAppConfig materializes a merged configuration against the supplied
// registries. Each unresolvable reference is recorded as a MissingReference
// and its item omitted from the result. The missing list is always
// returned; with Strict set, a non-empty list also yields an error with a
// concatenated reason string.
func ComposeAppConfig(merged schema.MergedAppConfig, deps Dependencies, opts ComposeOptions) (*schema.ResolvedAppConfig, []schema.MissingReference, error) {
	var missing []schema.MissingReference
	miss := func(t schema.RefType, identifier string) {
		missing = append(missing, schema.MissingReference{Type: t, Identifier: identifier})
	}

	resolved := &schema.ResolvedAppConfig{
		Capabilities: schema.ResolvedCapabilities{Enabled: make(map[string]schema.CapabilitySpec)},
		FeatureFlags: merged.FeatureFlags,
		Routes:       merged.Routes,
		Knowledge:    merged.Knowledge,
		Translation:  merged.Translation,
		Branding:     merged.Branding,
		TenantID:     merged.TenantID,
	}

	for _, ref := range merged.Capabilities {
		if spec, ok := lookup(deps.Capabilities, ref); ok {
			resolved.Capabilities.Enabled[ref.Key] = spec
		} else {
			miss(schema.RefCapability, ref.Key)
		}
	}

	for _, ref := range merged.Features {
		if spec, ok := lookup(deps.Features, ref); ok {
			resolved.Features = append(resolved.Features, spec)
		} else {
			miss(schema.RefFeature, ref.Key)
		}
	}

	for slot, ref := range merged.DataViews {
		if spec, ok := lookup(deps.DataViews, ref); ok {
			if resolved.DataViews == nil {
				resolved.DataViews = make(map[string]schema.DataViewSpec)
			}
			resolved.DataViews[slot] = spec
		} else {
			miss(schema.RefDataView, slotIdentifier(slot, ref))
		}
	}

	for slot, ref := range merged.Workflows {
		if spec, ok := lookup(deps.Workflows, ref); ok {
			if resolved.Workflows == nil {
				resolved.Workflows = make(map[string]schema.WorkflowSpec)
			}
			resolved.Workflows[slot] = spec
		} else {
			miss(schema.RefWorkflow, slotIdentifier(slot, ref))
		}
	}

	for _, ref := range merged.Policies {
		if spec, ok := lookup(deps.Policies, ref); ok {
			resolved.Policies = append(resolved.Policies, spec)
		} else {
			miss(schema.RefPolicy, ref.Key)
		}
	}

	if merged.Theme != nil {
		if spec, ok := lookup(deps.Themes, *merged.Theme); ok {
			resolved.Theme = &spec
		} else {
			miss(schema.RefTheme, merged.Theme.Key)
		}
	}

	if merged.Telemetry != nil {
		if spec, ok := lookup(deps.Telemetry, *merged.Telemetry); ok {
			resolved.Telemetry = &spec
		} else {
			miss(schema.RefTelemetry, merged.Telemetry.Key)
		}
	}

	for _, binding := range merged.Experiments {
		spec, ok := lookup(deps.Experiments, binding.Ref)
		if !ok {
			miss(schema.RefExperiment, binding.Ref.Key)
			continue
		}
		if binding.Status == schema.ExperimentPaused {
			resolved.Experiments.Paused = append(resolved.Experiments.Paused, spec)
		} else {
			resolved.Experiments.Active = append(resolved.Experiments.Active, spec)
		}
	}

	for slot, binding := range merged.Integrations {
		spec, ok := lookup(deps.Integrations, binding.Ref)
		if !ok {
			miss(schema.RefIntegration, slotIdentifier(slot, binding.Ref))
			continue
		}
		if resolved.Integrations == nil {
			resolved.Integrations = make(map[string]schema.ResolvedIntegration)
		}
		resolved.Integrations[slot] = schema.ResolvedIntegration{
			Spec:       spec,
			Connection: binding.Connection,
			Status:     binding.Status,
		}
	}

	if opts.Strict && len(missing) > 0 {
		return nil, missing, strictError(missing)
	}
	return resolved, missing, nil
}

// lookup dereferences a ref against a possibly-nil registry.
func lookup[T any](reg Lookup[T], ref schema.SpecRef) (T, bool) {
	var zero T
	if reg == nil {
		return zero, false
	}
	return reg.Get(ref.Key, ref.Version)
}

func slotIdentifier(slot string, ref schema.SpecRef) string {
	return fmt.Sprintf("%s:%s", slot, ref.Key)
}

func strictError(missing []schema.MissingReference) error {
	reasons := make([]string, len(missing))
	for i, m := range missing {
		reasons[i] = fmt.Sprintf("%s %q", m.Type, m.Identifier)
	}
	return schema.NewErrorf(schema.ErrCodeMissingReference,
		"unresolved references: %s", strings.Join(reasons, ", ")).
		WithDetails(map[string]any{"missing": missing})
}
