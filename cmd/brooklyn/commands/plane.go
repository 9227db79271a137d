package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nlabh01/brooklyn-server/pkg/blueprint"
	"github.com/nlabh01/brooklyn-server/pkg/catalog"
	"github.com/nlabh01/brooklyn-server/pkg/config"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/policy"
	"github.com/nlabh01/brooklyn-server/pkg/registry"
	"github.com/nlabh01/brooklyn-server/pkg/stores"
	"github.com/nlabh01/brooklyn-server/pkg/streams"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// stdinPath reads the blueprint from standard input.
const stdinPath = "-"

type planeOptions struct {
	version   string
	statePath string
	policies  []string
	watch     bool
}

// plane is everything a deployment runs on: telemetry, the policy engine,
// the type registry, the optional store and the node manager.
type plane struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	policies *policy.Engine
	registry *registry.Registry
	store    *stores.SQLiteStore
	recorder *stores.SensorRecorder
	manager  *entity.Manager
	loader   *policy.Loader
	metrics  *http.Server
}

func loadSettings() (*config.Settings, error) {
	if settingsPath == "" {
		return config.Default(), nil
	}
	return config.Load(settingsPath)
}

func openPlane(ctx context.Context, opts planeOptions) (_ *plane, err error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if opts.statePath != "" {
		s.Store.Path = opts.statePath
	}

	tel, err := telemetry.NewTelemetry(s.Telemetry(opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	p := &plane{settings: s, tel: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			_ = p.close(context.WithoutCancel(ctx))
		}
	}()
	p.metrics = tel.StartMetricsServer()

	if p.policies, err = policy.NewEngine(p.logger); err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(opts.policies) > 0 {
		if err = p.policies.LoadPolicies(ctx, opts.policies); err != nil {
			return nil, err
		}
	}
	if p.registry, err = newRegistry(p.policies); err != nil {
		return nil, err
	}

	var journal entity.Journal
	if s.Store.Path != "" {
		if err = p.openStore(ctx, s.Store.Path); err != nil {
			return nil, err
		}
		journal = p.store
	}

	p.manager = entity.NewManager(s.ManagerConfig(tel, p.logger, journal))
	if p.store != nil && s.Store.RecordSensors {
		p.recorder = stores.NewSensorRecorder(p.store, stores.RecorderConfig{Logger: p.logger})
		p.manager.Bus().Observe(p.recorder)
	}

	if opts.watch && len(opts.policies) > 0 {
		p.loader = policy.NewLoader(p.logger)
		if err = p.loader.Watch(ctx, opts.policies, p.policies.Replace); err != nil {
			return nil, err
		}
	}

	p.logger.Debug().
		Str("environment", s.Management.Environment).
		Int("workers", s.Management.Workers).
		Str("state", s.Store.Path).
		Strs("properties", s.PropertyKeys()).
		Msg("Management plane ready")
	return p, nil
}

// newRegistry returns the built-in types plus those declared by the
// --types manifests.
func newRegistry(eng *policy.Engine) (*registry.Registry, error) {
	reg, err := catalog.Builtin(eng)
	if err != nil {
		return nil, fmt.Errorf("failed to register built-in types: %w", err)
	}
	for _, path := range typePaths {
		if err := catalog.LoadManifest(reg, path); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (p *plane) openStore(ctx context.Context, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	p.store = store
	return store.Migrate(ctx)
}

func (p *plane) interpreter() *blueprint.Interpreter {
	opts := []blueprint.Option{blueprint.WithLogger(p.logger)}
	if p.store != nil {
		opts = append(opts, blueprint.WithRecorder(p.store))
	}
	return blueprint.NewInterpreter(p.manager, p.registry, opts...)
}

// close releases the plane in reverse order of construction. The recorder
// is closed after the manager so that the last sensor events reach the
// store.
func (p *plane) close(ctx context.Context) error {
	var errs []error
	if p.loader != nil {
		errs = append(errs, p.loader.StopWatching())
	}
	if p.manager != nil {
		errs = append(errs, p.manager.Close(ctx))
	}
	if p.recorder != nil {
		errs = append(errs, p.recorder.Close(ctx))
		if n := p.recorder.Dropped(); n > 0 {
			p.logger.Warn().Int64("dropped", n).Msg("Sensor events not recorded")
		}
	}
	if p.store != nil {
		streams.CloseQuietly(p.logger, p.store)
	}
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	errs = append(errs, p.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// loadBlueprint reads a blueprint file, or YAML from standard input when
// path is "-".
func loadBlueprint(cmd *cobra.Command, path string) (*blueprint.Blueprint, error) {
	if path != stdinPath {
		return blueprint.LoadFile(path)
	}
	data, err := streams.ReadFully(cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(data) == "" {
		return nil, errors.New("no blueprint on standard input")
	}
	return blueprint.ParseYAML([]byte(data))
}
