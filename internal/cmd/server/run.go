package serverrun

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	cfgpkg "github.com/rzbill/conveyor/internal/config"
	"github.com/rzbill/conveyor/internal/runtime"
	"github.com/rzbill/conveyor/pkg/log"
)

// Options configures a server run.
type Options struct {
	// ConfigPath is an optional JSON or YAML config file.
	ConfigPath string
	// DataDir overrides the configured data directory when set.
	DataDir string
	// Logger is the process logger.
	Logger log.Logger
	// Setup registers task handlers and saga definitions before the worker
	// pool starts. Optional.
	Setup func(rt *runtime.Runtime) error
}

// LoadConfig resolves configuration for a run: .env file, then config file,
// then CONVEYOR_* environment overlay.
func LoadConfig(path string) (cfgpkg.Config, error) {
	_ = godotenv.Load()
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	return cfg, nil
}

// Run opens the runtime, starts the worker pool and recovery monitor, and
// blocks until ctx is cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	rt, err := runtime.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if opts.Setup != nil {
		if err := opts.Setup(rt); err != nil {
			return err
		}
	}

	rt.Start(sctx)
	logger.Info("conveyor server started",
		log.Str("group", cfg.Group),
		log.Int("workers", cfg.Workers))

	<-sctx.Done()
	logger.Info("shutting down")
	rt.Stop()
	return nil
}
