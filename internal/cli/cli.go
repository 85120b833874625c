// Package cli wires configuration, storage, the personalization engine and
// the selection pipeline behind the framepick commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"google.golang.org/grpc"

	"framepick/internal/config"
	"framepick/internal/depth"
	"framepick/internal/features"
	"framepick/internal/fsutil"
	"framepick/internal/grpcserver"
	"framepick/internal/personalize"
	"framepick/internal/pipeline"
	"framepick/internal/quality"
	"framepick/internal/scene"
	"framepick/internal/selector"
	"framepick/internal/storage"
)

// Version is overridden at link time.
var Version = "0.1.0-dev"

// App is the assembled selection stack.
type App struct {
	Store    *storage.Store // nil when the profile lives in a JSON file
	Engine   *personalize.Engine
	Scorer   *quality.Scorer
	Service  *selector.Service
	Pipeline *pipeline.Pipeline

	predictor *grpcserver.Client
}

// Open builds the stack described by cfg. The pipeline's workers live until
// Close or until ctx ends.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	app := &App{}

	var profiles personalize.Store
	switch {
	case cfg.Paths.DatabasePath != "":
		store, err := storage.New(cfg.Paths.DatabasePath, log)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		app.Store = store
		profiles = store.Profiles()
	case cfg.Paths.ProfilePath != "":
		profiles = storage.NewFileStore(cfg.Paths.ProfilePath)
	default:
		log.Warn("no database or profile path configured, preferences will not persist")
	}

	var predictor quality.Predictor
	if addr := cfg.Scoring.PredictorAddr; addr != "" {
		var opts []grpc.DialOption
		files := grpcserver.TLSFiles{
			CACert: cfg.Scoring.PredictorCACert,
			Cert:   cfg.Scoring.PredictorCert,
			Key:    cfg.Scoring.PredictorKey,
		}
		if files.Enabled() {
			opt, err := grpcserver.TLSOption(files)
			if err != nil {
				app.closeStore()
				return nil, err
			}
			opts = append(opts, opt)
		}
		client, err := grpcserver.Dial(addr, opts...)
		if err != nil {
			app.closeStore()
			return nil, err
		}
		app.predictor = client
		predictor = client
		log.Info("using remote quality predictor", "addr", addr, "tls", files.Enabled())
	}

	ex := features.New(cfg.Features)
	app.Scorer = quality.NewScorer(ex, predictor, cfg.Scoring, log)
	app.Engine = personalize.New(ctx, cfg.Personalization, profiles, log)
	sel := selector.New(selector.Options{
		Scorer:       app.Scorer,
		Depth:        depth.New(cfg.Depth),
		Scene:        scene.New(nil, log),
		Personalizer: app.Engine,
		Concurrency:  cfg.Processing.ParallelFrames,
		Logger:       log,
	})

	svcOpts := selector.ServiceOptions{
		Selector:  sel,
		Engine:    app.Engine,
		Extractor: ex,
		DeviceID:  cfg.Paths.DeviceID,
		Logger:    log,
	}
	if app.Store != nil {
		svcOpts.Samples = app.Store
	}
	app.Service = selector.NewService(svcOpts)

	app.Pipeline = pipeline.New(ctx, pipeline.NewRouter(app.Service, loadOptions(cfg, log), log),
		cfg.Processing.Workers, cfg.Processing.QueueSize, log, app.Store)
	return app, nil
}

// loadOptions maps the processing config onto burst decoding.
func loadOptions(cfg *config.Config, log *slog.Logger) fsutil.LoadOptions {
	return fsutil.LoadOptions{
		MaxDimension: cfg.Processing.MaxDimension,
		DeviceID:     cfg.Paths.DeviceID,
		UseEXIF:      cfg.Processing.UseEXIF,
		Logger:       log,
	}
}

// Close stops the pipeline, flushes the profile and releases connections.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.Pipeline.Stop()
	errs := []error{a.Engine.Close()}
	if a.predictor != nil {
		errs = append(errs, a.predictor.Close())
	}
	errs = append(errs, a.closeStore())
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// Root carries shared state into the commands.
type Root struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer
	app *App
}

// NewRoot returns a Root writing command output to out (stdout when nil).
func NewRoot(cfg *config.Config, logger *slog.Logger, out io.Writer) *Root {
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{cfg: cfg, log: logger, out: out}
}

// open assembles the App on first use.
func (r *Root) open(ctx context.Context) (*App, error) {
	if r.app != nil {
		return r.app, nil
	}
	app, err := Open(ctx, r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	r.app = app
	return app, nil
}

// Close releases the App if a command opened one.
func (r *Root) Close() error {
	err := r.app.Close()
	r.app = nil
	return err
}

// Execute runs the command line args and releases everything it opened.
func Execute(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer, args []string) error {
	root := NewRoot(cfg, logger, out)
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(root.out)
	err := cmd.ExecuteContext(ctx)
	if cerr := root.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
