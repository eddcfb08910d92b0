// Command loom is the platform CLI: validates workflow and policy specs,
// composes tenant app configurations, and runs workflows locally.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tenantry/loom/internal/appconfig"
	"github.com/tenantry/loom/internal/integration"
	"github.com/tenantry/loom/internal/logging"
	"github.com/tenantry/loom/internal/operations"
	"github.com/tenantry/loom/internal/registry"
	"github.com/tenantry/loom/internal/runner"
	"github.com/tenantry/loom/internal/secrets"
	"github.com/tenantry/loom/internal/sla"
	"github.com/tenantry/loom/internal/state"
	"github.com/tenantry/loom/internal/validation"
	"github.com/tenantry/loom/pkg/schema"
)

const usage = `loom - tenant app configuration and workflow platform

Usage:
  loom validate -workflow <file> | -policy <file>
  loom compose  -blueprint <file> [-tenant <file>] [-strict]
  loom run      -workflow <file> [-data <json>] [-persist] [<step-input-json>...]

Environment:
  LOOM_DB_PATH, LOOM_LOG_LEVEL, LOOM_SLA_SCHEDULE, LOOM_SLA_COOLDOWN,
  LOOM_STRICT, LOOM_VAULT_PASSPHRASE, LOOM_VAULT_SALT
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	var err error
	switch os.Args[1] {
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "compose":
		err = cmdCompose(os.Args[2:], cfg)
	case "run":
		err = cmdRun(os.Args[2:], cfg, logger)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "workflow spec file (JSON)")
	policyPath := fs.String("policy", "", "policy spec file (JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*workflowPath == "") == (*policyPath == "") {
		return fmt.Errorf("exactly one of -workflow or -policy is required")
	}

	pipeline, err := validation.NewPipeline()
	if err != nil {
		return err
	}

	var result *schema.ValidationResult
	if *workflowPath != "" {
		var spec schema.WorkflowSpec
		if err := readJSON(*workflowPath, &spec); err != nil {
			return err
		}
		result = pipeline.ValidateWorkflow(&spec)
	} else {
		var spec schema.PolicySpec
		if err := readJSON(*policyPath, &spec); err != nil {
			return err
		}
		result = pipeline.ValidatePolicy(&spec)
	}

	printJSON(result)
	if !result.Valid() {
		return fmt.Errorf("validation failed with %d errors", len(result.Errors))
	}
	return nil
}

func cmdCompose(args []string, cfg Config) error {
	fs := flag.NewFlagSet("compose", flag.ExitOnError)
	blueprintPath := fs.String("blueprint", "", "blueprint spec file (JSON)")
	tenantPath := fs.String("tenant", "", "tenant spec file (JSON)")
	specsPath := fs.String("specs", "", "spec bundle file to resolve references against (JSON)")
	strict := fs.Bool("strict", cfg.Strict, "fail on any missing reference")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *blueprintPath == "" {
		return fmt.Errorf("-blueprint is required")
	}

	var blueprint schema.BlueprintSpec
	if err := readJSON(*blueprintPath, &blueprint); err != nil {
		return err
	}
	var tenant *schema.TenantSpec
	if *tenantPath != "" {
		tenant = &schema.TenantSpec{}
		if err := readJSON(*tenantPath, tenant); err != nil {
			return err
		}
	}

	deps, err := loadDependencies(*specsPath)
	if err != nil {
		return err
	}

	merged := appconfig.ResolveAppConfig(blueprint, tenant)
	resolved, missing, err := appconfig.ComposeAppConfig(merged, deps, appconfig.ComposeOptions{Strict: *strict})
	if err != nil {
		return err
	}

	printJSON(map[string]any{
		"config":  resolved,
		"missing": missing,
	})
	return nil
}

// specBundle is the on-disk shape the compose command resolves against: a
// flat file of registerable specs per category.
type specBundle struct {
	Capabilities []schema.CapabilitySpec  `json:"capabilities,omitempty"`
	Features     []schema.FeatureSpec     `json:"features,omitempty"`
	DataViews    []schema.DataViewSpec    `json:"data_views,omitempty"`
	Workflows    []schema.WorkflowSpec    `json:"workflows,omitempty"`
	Policies     []schema.PolicySpec      `json:"policies,omitempty"`
	Themes       []schema.ThemeSpec       `json:"themes,omitempty"`
	Telemetry    []schema.TelemetrySpec   `json:"telemetry,omitempty"`
	Experiments  []schema.ExperimentSpec  `json:"experiments,omitempty"`
	Integrations []schema.IntegrationSpec `json:"integrations,omitempty"`
}

func loadDependencies(path string) (appconfig.Dependencies, error) {
	if path == "" {
		return appconfig.Dependencies{}, nil
	}
	var bundle specBundle
	if err := readJSON(path, &bundle); err != nil {
		return appconfig.Dependencies{}, err
	}

	deps := appconfig.Dependencies{}
	if err := setRegistry(&deps.Capabilities, bundle.Capabilities); err != nil {
		return deps, err
	}
	if err := setRegistry(&deps.Features, bundle.Features); err != nil {
		return deps, err
	}
	if err := setRegistry(&deps.DataViews, bundle.DataViews); err != nil {
		return deps, err
	}
	if err := setRegistry(&deps.Workflows, bundle.Workflows); err != nil {
		return deps, err
	}
	if err := setRegistry(&deps.Policies, bundle.Policies); err != nil {
		return deps, err
	}
	if err := setRegistry(&deps.Themes, bundle.Themes); err != nil {
		return deps, err
	}
	if err := setRegistry(&deps.Telemetry, bundle.Telemetry); err != nil {
		return deps, err
	}
	if err := setRegistry(&deps.Experiments, bundle.Experiments); err != nil {
		return deps, err
	}
	if err := setRegistry(&deps.Integrations, bundle.Integrations); err != nil {
		return deps, err
	}
	return deps, nil
}

// setRegistry leaves the lookup nil when the bundle has no specs for the
// category, so composition records references into it as missing rather
// than hitting a typed-nil registry.
func setRegistry[T registry.Versioned](dst *appconfig.Lookup[T], specs []T) error {
	if len(specs) == 0 {
		return nil
	}
	reg := registry.New[T]()
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	*dst = reg
	return nil
}

func cmdRun(args []string, cfg Config, logger *slog.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "workflow spec file (JSON)")
	dataJSON := fs.String("data", "", "initial workflow data (JSON object)")
	persist := fs.Bool("persist", false, "persist state to the configured database instead of memory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowPath == "" {
		return fmt.Errorf("-workflow is required")
	}

	var spec schema.WorkflowSpec
	if err := readJSON(*workflowPath, &spec); err != nil {
		return err
	}

	pipeline, err := validation.NewPipeline()
	if err != nil {
		return err
	}
	if result := pipeline.ValidateWorkflow(&spec); !result.Valid() {
		printJSON(result)
		return fmt.Errorf("workflow spec is invalid")
	}

	specs := registry.New[schema.WorkflowSpec]()
	if err := specs.Register(spec); err != nil {
		return err
	}

	var store state.Store = state.NewMemoryStore()
	var secretStore secrets.SecretStore = secrets.NewMemorySecretStore()
	var events runner.EventEmitter
	if *persist {
		libsql, err := state.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		defer libsql.Close()
		store = libsql
		secretStore = libsql
		events = func(ctx context.Context, event string, payload map[string]any) {
			id, _ := payload["workflow_id"].(string)
			if err := libsql.AppendEvent(ctx, id, event, payload); err != nil {
				logger.WarnContext(ctx, "append event", slog.String("error", err.Error()))
			}
		}
	}

	// Secrets referenced as vault:<key> resolve through the AES vault when a
	// passphrase is configured; without one the call guard still runs, it
	// just cannot resolve vault references.
	var providers []integration.SecretProvider
	if cfg.VaultPassphrase != "" {
		vault, err := secrets.NewAESVault(secretStore, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return err
		}
		providers = append(providers, secrets.NewVaultProvider(vault))
	}
	guard := integration.NewGuard(integration.GuardConfig{
		Providers: providers,
		Logger:    logger,
	})

	ops := operations.NewExecutor(logger)
	connect := operations.Connector(integration.NewHTTPConnector(nil))
	if err := operations.Defaults(ops, guard, connect); err != nil {
		return err
	}

	r, err := runner.New(runner.Config{
		Specs:      specs,
		Store:      store,
		Operations: ops,
		Events:     events,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	monitor, err := sla.NewMonitor(sla.MonitorConfig{
		Specs:    specs,
		Logger:   logger,
		Cooldown: cfg.slaCooldown(),
	})
	if err != nil {
		return err
	}
	poller, err := sla.NewPoller(store, monitor, cfg.SLASchedule, logger)
	if err != nil {
		return err
	}
	if err := poller.Start(context.Background()); err != nil {
		return err
	}
	defer poller.Stop()

	var initialData map[string]any
	if *dataJSON != "" {
		if err := json.Unmarshal([]byte(*dataJSON), &initialData); err != nil {
			return fmt.Errorf("parse -data: %w", err)
		}
	}

	ctx := context.Background()
	id, err := r.Start(ctx, spec.Meta.Key, spec.Meta.Version, initialData)
	if err != nil {
		return err
	}

	// Each remaining positional argument is one step's input. Execution
	// stops at the first human step with no input left.
	inputs := fs.Args()
	for _, raw := range inputs {
		var input map[string]any
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return fmt.Errorf("parse step input %q: %w", raw, err)
		}
		if err := r.ExecuteStep(ctx, id, input); err != nil {
			return err
		}
		st, err := r.GetState(ctx, id)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			break
		}
	}

	st, err := r.GetState(ctx, id)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
