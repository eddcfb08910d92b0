package schema

// BlueprintSpec is the app-wide default configuration template shared across
// tenants: which capabilities are on, which specs fill which slots, and the
// theme/telemetry/experiment bindings.
type BlueprintSpec struct {
	Meta         SpecMeta                      `json:"meta"`
	Capabilities BlueprintCapabilities         `json:"capabilities"`
	Features     []SpecRef                     `json:"features,omitempty"`
	DataViews    map[string]SpecRef            `json:"data_views,omitempty"`
	Workflows    map[string]SpecRef            `json:"workflows,omitempty"`
	Policies     []PolicyRef                   `json:"policies,omitempty"`
	Theme        *SpecRef                      `json:"theme,omitempty"`
	Telemetry    *SpecRef                      `json:"telemetry,omitempty"`
	Experiments  []ExperimentBinding           `json:"experiments,omitempty"`
	FeatureFlags map[string]bool               `json:"feature_flags,omitempty"`
	Routes       []Route                       `json:"routes,omitempty"`
	Integrations map[string]IntegrationBinding `json:"integrations,omitempty"`
	Knowledge    map[string]any                `json:"knowledge,omitempty"`
	Translation  map[string]any                `json:"translation,omitempty"`
	Branding     map[string]any                `json:"branding,omitempty"`
}

// SpecKey returns the registry key.
func (s BlueprintSpec) SpecKey() string { return s.Meta.Key }

// SpecVersion returns the registry version.
func (s BlueprintSpec) SpecVersion() int { return s.Meta.Version }

// BlueprintCapabilities lists capabilities enabled by default.
type BlueprintCapabilities struct {
	Enabled []CapabilityRef `json:"enabled,omitempty"`
}

// TenantCapabilities adjusts the blueprint's capability set per tenant.
// Disable removes blueprint entries by key; Enable adds entries and wins on
// key conflicts.
type TenantCapabilities struct {
	Enable  []CapabilityRef `json:"enable,omitempty"`
	Disable []CapabilityRef `json:"disable,omitempty"`
}

// TenantSpec is a per-customer override layered on a blueprint. Collection
// overrides are array-level: a non-nil tenant collection replaces the
// blueprint's wholesale, except capabilities which merge per entry and
// slot maps which overlay per slot.
type TenantSpec struct {
	Meta         SpecMeta                      `json:"meta"`
	TenantID     string                        `json:"tenant_id"`
	Capabilities TenantCapabilities            `json:"capabilities"`
	Features     []SpecRef                     `json:"features,omitempty"`
	DataViews    map[string]SpecRef            `json:"data_views,omitempty"`
	Workflows    map[string]SpecRef            `json:"workflows,omitempty"`
	Policies     []PolicyRef                   `json:"policies,omitempty"`
	Theme        *SpecRef                      `json:"theme,omitempty"`
	Telemetry    *SpecRef                      `json:"telemetry,omitempty"`
	Experiments  []ExperimentBinding           `json:"experiments,omitempty"`
	FeatureFlags map[string]bool               `json:"feature_flags,omitempty"`
	Routes       []Route                       `json:"routes,omitempty"`
	Integrations map[string]IntegrationBinding `json:"integrations,omitempty"`
	Knowledge    map[string]any                `json:"knowledge,omitempty"`
	Translation  map[string]any                `json:"translation,omitempty"`
	Branding     map[string]any                `json:"branding,omitempty"`
}

// SpecKey returns the registry key.
func (s TenantSpec) SpecKey() string { return s.Meta.Key }

// SpecVersion returns the registry version.
func (s TenantSpec) SpecVersion() int { return s.Meta.Version }

// ExperimentStatus enumerates experiment activation states.
type ExperimentStatus string

const (
	ExperimentActive ExperimentStatus = "active"
	ExperimentPaused ExperimentStatus = "paused"
)

// ExperimentBinding binds an experiment spec with an activation status.
type ExperimentBinding struct {
	Ref    SpecRef          `json:"ref"`
	Status ExperimentStatus `json:"status,omitempty"`
}

// Route maps a path to a named view.
type Route struct {
	Path string `json:"path"`
	View string `json:"view"`
}

// IntegrationBinding binds an integration slot to a spec and a live
// connection.
type IntegrationBinding struct {
	Ref        SpecRef `json:"ref"`
	Connection string  `json:"connection,omitempty"`
	Status     string  `json:"status,omitempty"` // connected, disconnected, error
}

// MergedAppConfig is the pure blueprint+tenant merge: references only, no
// registry lookups yet. Produced by ResolveAppConfig.
type MergedAppConfig struct {
	Capabilities []CapabilityRef               `json:"capabilities"`
	Features     []SpecRef                     `json:"features,omitempty"`
	DataViews    map[string]SpecRef            `json:"data_views,omitempty"`
	Workflows    map[string]SpecRef            `json:"workflows,omitempty"`
	Policies     []PolicyRef                   `json:"policies,omitempty"`
	Theme        *SpecRef                      `json:"theme,omitempty"`
	Telemetry    *SpecRef                      `json:"telemetry,omitempty"`
	Experiments  []ExperimentBinding           `json:"experiments,omitempty"`
	FeatureFlags map[string]bool               `json:"feature_flags,omitempty"`
	Routes       []Route                       `json:"routes,omitempty"`
	Integrations map[string]IntegrationBinding `json:"integrations,omitempty"`
	Knowledge    map[string]any                `json:"knowledge,omitempty"`
	Translation  map[string]any                `json:"translation,omitempty"`
	Branding     map[string]any                `json:"branding,omitempty"`
	TenantID     string                        `json:"tenant_id,omitempty"`
}

// ResolvedAppConfig is the registry-materialized runtime configuration.
// Produced fresh per composition; consumers treat it as an immutable
// snapshot and may safely share one across workflow instances.
type ResolvedAppConfig struct {
	Capabilities ResolvedCapabilities           `json:"capabilities"`
	Features     []FeatureSpec                  `json:"features,omitempty"`
	DataViews    map[string]DataViewSpec        `json:"data_views,omitempty"`
	Workflows    map[string]WorkflowSpec        `json:"workflows,omitempty"`
	Policies     []PolicySpec                   `json:"policies,omitempty"`
	Theme        *ThemeSpec                     `json:"theme,omitempty"`
	Telemetry    *TelemetrySpec                 `json:"telemetry,omitempty"`
	Experiments  ResolvedExperiments            `json:"experiments"`
	FeatureFlags map[string]bool                `json:"feature_flags,omitempty"`
	Routes       []Route                        `json:"routes,omitempty"`
	Integrations map[string]ResolvedIntegration `json:"integrations,omitempty"`
	Knowledge    map[string]any                 `json:"knowledge,omitempty"`
	Translation  map[string]any                 `json:"translation,omitempty"`
	Branding     map[string]any                 `json:"branding,omitempty"`
	TenantID     string                         `json:"tenant_id,omitempty"`
}

// ResolvedCapabilities indexes enabled capability specs by key.
type ResolvedCapabilities struct {
	Enabled map[string]CapabilitySpec `json:"enabled"`
}

// ResolvedExperiments splits experiments by activation status.
type ResolvedExperiments struct {
	Active []ExperimentSpec `json:"active,omitempty"`
	Paused []ExperimentSpec `json:"paused,omitempty"`
}

// ResolvedIntegration is an integration slot bound to its spec and
// connection state.
type ResolvedIntegration struct {
	Spec       IntegrationSpec `json:"spec"`
	Connection string          `json:"connection,omitempty"`
	Status     string          `json:"status,omitempty"`
}

// RefType classifies a missing reference by category.
type RefType string

const (
	RefCapability  RefType = "capability"
	RefFeature     RefType = "feature"
	RefDataView    RefType = "data_view"
	RefWorkflow    RefType = "workflow"
	RefPolicy      RefType = "policy"
	RefTheme       RefType = "theme"
	RefTelemetry   RefType = "telemetry"
	RefExperiment  RefType = "experiment"
	RefIntegration RefType = "integration"
)

// MissingReference records a pointer that could not be materialized during
// composition. Collected, never thrown, unless strict mode is requested.
type MissingReference struct {
	Type       RefType `json:"type"`
	Identifier string  `json:"identifier"`
}

// --- Thin registry payload specs ---
//
// The registries for these are simple keyed stores; the platform only needs
// identity plus an opaque definition payload.

// CapabilitySpec is a named, versioned unit of functionality.
type CapabilitySpec struct {
	Meta       SpecMeta       `json:"meta"`
	Definition map[string]any `json:"definition,omitempty"`
}

func (s CapabilitySpec) SpecKey() string  { return s.Meta.Key }
func (s CapabilitySpec) SpecVersion() int { return s.Meta.Version }

// FeatureSpec groups capabilities behind a feature toggle.
type FeatureSpec struct {
	Meta       SpecMeta       `json:"meta"`
	Definition map[string]any `json:"definition,omitempty"`
}

func (s FeatureSpec) SpecKey() string  { return s.Meta.Key }
func (s FeatureSpec) SpecVersion() int { return s.Meta.Version }

// DataViewSpec describes a data view slot filler.
type DataViewSpec struct {
	Meta       SpecMeta       `json:"meta"`
	Definition map[string]any `json:"definition,omitempty"`
}

func (s DataViewSpec) SpecKey() string  { return s.Meta.Key }
func (s DataViewSpec) SpecVersion() int { return s.Meta.Version }

// ThemeSpec describes a visual theme binding.
type ThemeSpec struct {
	Meta       SpecMeta       `json:"meta"`
	Definition map[string]any `json:"definition,omitempty"`
}

func (s ThemeSpec) SpecKey() string  { return s.Meta.Key }
func (s ThemeSpec) SpecVersion() int { return s.Meta.Version }

// TelemetrySpec describes a telemetry binding.
type TelemetrySpec struct {
	Meta       SpecMeta       `json:"meta"`
	Definition map[string]any `json:"definition,omitempty"`
}

func (s TelemetrySpec) SpecKey() string  { return s.Meta.Key }
func (s TelemetrySpec) SpecVersion() int { return s.Meta.Version }

// ExperimentSpec describes an experiment.
type ExperimentSpec struct {
	Meta       SpecMeta       `json:"meta"`
	Definition map[string]any `json:"definition,omitempty"`
}

func (s ExperimentSpec) SpecKey() string  { return s.Meta.Key }
func (s ExperimentSpec) SpecVersion() int { return s.Meta.Version }

// IntegrationSpec describes an external integration.
type IntegrationSpec struct {
	Meta       SpecMeta       `json:"meta"`
	Definition map[string]any `json:"definition,omitempty"`
}

func (s IntegrationSpec) SpecKey() string  { return s.Meta.Key }
func (s IntegrationSpec) SpecVersion() int { return s.Meta.Version }
