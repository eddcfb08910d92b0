// Package appconfig merges blueprint and tenant specs into a single logical
// configuration and materializes it against live spec registries.
package appconfig

import "github.com/tenantry/loom/pkg/schema"

// ResolveAppConfig merges a blueprint with an optional tenant override into
// a reference-level configuration. Pure and synchronous: no registry
// lookups happen here.
//
// Merge semantics:
//   - capabilities: blueprint enabled, minus tenant disables, plus tenant
//     enables (tenant wins on conflicting keys);
//   - data view / workflow / integration slots: tenant binding replaces the
//     blueprint binding per slot;
//   - everything else: tenant collection replaces the blueprint's wholesale
//     when present (array-level, not deep, override).
func ResolveAppConfig(blueprint schema.BlueprintSpec, tenant *schema.TenantSpec) schema.MergedAppConfig {
	merged := schema.MergedAppConfig{
		Capabilities: append([]schema.CapabilityRef(nil), blueprint.Capabilities.Enabled...),
		Features:     blueprint.Features,
		DataViews:    copyRefMap(blueprint.DataViews),
		Workflows:    copyRefMap(blueprint.Workflows),
		Policies:     blueprint.Policies,
		Theme:        blueprint.Theme,
		Telemetry:    blueprint.Telemetry,
		Experiments:  blueprint.Experiments,
		FeatureFlags: blueprint.FeatureFlags,
		Routes:       blueprint.Routes,
		Integrations: copyBindingMap(blueprint.Integrations),
		Knowledge:    blueprint.Knowledge,
		Translation:  blueprint.Translation,
		Branding:     blueprint.Branding,
	}
	if tenant == nil {
		return merged
	}

	merged.TenantID = tenant.TenantID
	merged.Capabilities = mergeCapabilities(blueprint.Capabilities.Enabled, tenant.Capabilities)

	for slot, ref := range tenant.DataViews {
		if merged.DataViews == nil {
			merged.DataViews = make(map[string]schema.SpecRef)
		}
		merged.DataViews[slot] = ref
	}
	for slot, ref := range tenant.Workflows {
		if merged.Workflows == nil {
			merged.Workflows = make(map[string]schema.SpecRef)
		}
		merged.Workflows[slot] = ref
	}
	for slot, binding := range tenant.Integrations {
		if merged.Integrations == nil {
			merged.Integrations = make(map[string]schema.IntegrationBinding)
		}
		merged.Integrations[slot] = binding
	}

	if tenant.Features != nil {
		merged.Features = tenant.Features
	}
	if tenant.Policies != nil {
		merged.Policies = tenant.Policies
	}
	if tenant.Theme != nil {
		merged.Theme = tenant.Theme
	}
	if tenant.Telemetry != nil {
		merged.Telemetry = tenant.Telemetry
	}
	if tenant.Experiments != nil {
		merged.Experiments = tenant.Experiments
	}
	if tenant.FeatureFlags != nil {
		merged.FeatureFlags = tenant.FeatureFlags
	}
	if tenant.Routes != nil {
		merged.Routes = tenant.Routes
	}
	if tenant.Knowledge != nil {
		merged.Knowledge = tenant.Knowledge
	}
	if tenant.Translation != nil {
		merged.Translation = tenant.Translation
	}
	if tenant.Branding != nil {
		merged.Branding = tenant.Branding
	}
	return merged
}

// mergeCapabilities applies tenant disables then enables over the blueprint
// set. Order of surviving blueprint entries is preserved; tenant-only
// enables append in declaration order.
func mergeCapabilities(enabled []schema.CapabilityRef, tc schema.TenantCapabilities) []schema.CapabilityRef {
	disabled := make(map[string]struct{}, len(tc.Disable))
	for _, ref := range tc.Disable {
		disabled[ref.Key] = struct{}{}
	}

	out := make([]schema.CapabilityRef, 0, len(enabled)+len(tc.Enable))
	seen := make(map[string]int, len(enabled))
	for _, ref := range enabled {
		if _, off := disabled[ref.Key]; off {
			continue
		}
		seen[ref.Key] = len(out)
		out = append(out, ref)
	}
	// Tenant enables win on key conflicts.
	for _, ref := range tc.Enable {
		if idx, ok := seen[ref.Key]; ok {
			out[idx] = ref
			continue
		}
		seen[ref.Key] = len(out)
		out = append(out, ref)
	}
	return out
}

func copyRefMap(m map[string]schema.SpecRef) map[string]schema.SpecRef {
	if m == nil {
		return nil
	}
	cp := make(map[string]schema.SpecRef, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func copyBindingMap(m map[string]schema.IntegrationBinding) map[string]schema.IntegrationBinding {
	if m == nil {
		return nil
	}
	cp := make(map[string]schema.IntegrationBinding, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
