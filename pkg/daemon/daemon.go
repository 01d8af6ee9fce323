// Package daemon assembles the glasswing input daemon: connection
// registry, config watcher, input service and the hand-off listener that
// gives client processes their channel endpoints.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/glasswing-wm/glasswing/internal/configsvc"
	"github.com/glasswing-wm/glasswing/internal/inputsvc"
	"github.com/glasswing-wm/glasswing/transport"
)

type Daemon struct {
	config     Config
	fileConfig FileConfig

	log       *zap.Logger
	db        *badger.DB
	configSvc *configsvc.Service
	inputSvc  *inputsvc.Service
}

var defaultFileConfig = FileConfig{
	SocketDir:       "/run/glasswing",
	FrameIntervalMs: 16,
}

// New builds a daemon from config. The watched configuration file is read
// by Run when it starts; later changes are recorded and reported by
// Resampling, but the running input service and hand-off listener keep the
// settings they were started with.
func New(config Config) (*Daemon, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	d := &Daemon{
		config:    config,
		log:       logger,
		db:        db,
		configSvc: configsvc.New(logger.Named("config")),
	}
	return d, nil
}

// Close releases the registry database.
func (d *Daemon) Close() error {
	return d.db.Close()
}

// Input returns the input service. Only valid while Run is active.
func (d *Daemon) Input() *inputsvc.Service {
	return d.inputSvc
}

// DB returns the registry database.
func (d *Daemon) DB() *badger.DB {
	return d.db
}

// Run starts the daemon and blocks until the context is cancelled. If the
// configuration file becomes invalid after startup, the last valid
// configuration remains in effect.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.configSvc.Start(groupCtx)
	})
	select {
	case <-groupCtx.Done():
		return group.Wait()
	case <-d.configSvc.Ready():
	}

	fileConfig, err := configsvc.Register(d.configSvc, d.config.ConfigFile, defaultFileConfig,
		func(cfg FileConfig, err error) {
			d.onConfigChange(cfg, err)
		})
	if err != nil {
		return fmt.Errorf("failed to register daemon config: %w", err)
	}
	d.fileConfig = fileConfig

	opts := []inputsvc.Option{
		inputsvc.WithFrameInterval(time.Duration(frameIntervalMs(fileConfig)) * time.Millisecond),
	}
	if fileConfig.Resampling != nil {
		opts = append(opts, inputsvc.WithResampling(*fileConfig.Resampling))
	}
	d.inputSvc = inputsvc.New(d.db, d.log.Named("input"), time.Now, opts...)

	group.Go(func() error {
		return d.inputSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return d.serveHandoff(groupCtx, fileConfig.SocketDir)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

func frameIntervalMs(cfg FileConfig) int {
	if cfg.FrameIntervalMs <= 0 {
		return defaultFileConfig.FrameIntervalMs
	}
	return cfg.FrameIntervalMs
}

func (d *Daemon) onConfigChange(cfg FileConfig, err error) {
	if err != nil {
		d.log.Error("failed to parse daemon config", zap.Error(err))
		return
	}
	// The new values are stored and reported by Resampling; the input
	// service and its connections, existing or new, keep the frame
	// interval and resampling setting the service was started with.
	d.fileConfig = cfg
	d.log.Info("daemon config reloaded",
		zap.String("socketDir", cfg.SocketDir),
		zap.Int("frameIntervalMs", frameIntervalMs(cfg)))
}

// Resampling reports the effective resampling default.
func (d *Daemon) Resampling() bool {
	if d.fileConfig.Resampling != nil {
		return *d.fileConfig.Resampling
	}
	return transport.TouchResamplingEnabled()
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}
