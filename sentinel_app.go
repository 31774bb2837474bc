package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"ecu-sentinel/api"
	"ecu-sentinel/blackbox"
	"ecu-sentinel/ecu"
	"ecu-sentinel/state"

	"github.com/brutella/can"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
)

const (
	SentinelAppRedisTimeout     = 5 * time.Second
	SentinelAppHealthInterval   = 30 * time.Second
	SentinelAppHTTPShutdownTime = 5 * time.Second
)

type SentinelApp struct {
	log      *LeveledLogger
	cfg      *Config
	bootID   string
	registry gometrics.Registry

	blackbox *blackbox.Blackbox
	state    *state.State
	workers  []*ecu.Worker
	reporter *Reporter

	redis *redis.Client
	ipcTx *IPCTx
	ipcRx *IPCRx
	diag  *Diag

	bus   *can.Bus
	canTx *CANTx

	http *http.Server

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	destroyed bool
	done      chan struct{}
}

func NewSentinelApp(opts *Options) (*SentinelApp, error) {
	cfg := opts.Config
	ctx, cancel := context.WithCancel(context.Background())

	stdLog := opts.Logger
	if stdLog == nil {
		stdLog = log.New(os.Stderr, fmt.Sprintf("%s: ", ProjectName), log.LstdFlags)
	}

	app := &SentinelApp{
		log:      NewLeveledLogger(stdLog, opts.LogLevel),
		cfg:      cfg,
		bootID:   uuid.NewString(),
		registry: gometrics.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := app.init(); err != nil {
		app.cancel()
		app.closeResources()
		return nil, err
	}
	return app, nil
}

func (app *SentinelApp) init() error {
	cfg := app.cfg
	app.log.Info("Starting %s v%s, boot %s", ProjectName, ProjectVersion, app.bootID)

	store, err := blackbox.OpenQLStore(app.ctx, cfg.Blackbox.Path)
	if err != nil {
		return fmt.Errorf("failed to open blackbox: %w", err)
	}
	app.blackbox, err = blackbox.New(app.ctx, store, app.log, cfg.BlackboxConfig(app.bootID),
		blackbox.WithRegistry(app.registry),
		blackbox.WithFailureFunc(app.onPersistFailure))
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to start blackbox: %w", err)
	}
	app.log.Info("Blackbox opened at %s", store.Path())

	ecuConfigs, err := cfg.ECUConfigs()
	if err != nil {
		return err
	}
	ids := make([]state.ECU, 0, len(ecuConfigs))
	for _, c := range ecuConfigs {
		ids = append(ids, state.ECU{ID: c.ID, CANID: c.CANID})
	}
	app.state, err = state.New(ids, state.WithDTCSink(app.blackbox), state.WithRegistry(app.registry))
	if err != nil {
		return fmt.Errorf("failed to create state: %w", err)
	}

	if cfg.CAN.Enabled {
		if err := app.initCAN(); err != nil {
			return err
		}
	}

	for _, c := range ecuConfigs {
		opts := []ecu.WorkerOption{ecu.WithRegistry(app.registry)}
		if app.canTx != nil {
			opts = append(opts, ecu.WithFrameSink(app.canTx))
		}
		w, err := ecu.NewWorker(c, app.state, app.log, opts...)
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}
		app.workers = append(app.workers, w)
		app.log.Info("ECU %s (%s) initialized on CAN ID 0x%X", c.ID, c.Kind, c.CANID)
	}

	if cfg.Redis.Enabled {
		if err := app.initRedis(); err != nil {
			return err
		}
	}

	if cfg.HTTP.Enabled {
		workers := make([]api.Liveness, len(app.workers))
		for i, w := range app.workers {
			workers[i] = w
		}
		srv := api.NewServer(app.state, app.blackbox, app.registry, workers, app.log)
		var h http.Handler = srv.Router()
		h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
		h = handlers.LoggingHandler(app.log.Writer(), h)
		app.http = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	app.reporter = NewReporter(app.log, app.state, app.blackbox, cfg.ReportInterval())
	return nil
}

func (app *SentinelApp) initRedis() error {
	cfg := app.cfg.Redis
	app.redis = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	connectCtx, connectCancel := context.WithTimeout(app.ctx, SentinelAppRedisTimeout)
	defer connectCancel()

	app.log.Info("Connecting to Redis at %s:%d...", cfg.Server, cfg.Port)
	if err := app.redis.Ping(connectCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %v", err)
	}
	app.log.Info("Successfully connected to Redis")

	app.ipcTx = NewIPCTx(app.log, app.redis)
	app.diag = NewDiag(app.log, app.redis, app.state)
	if err := app.diag.Clear(connectCtx); err != nil {
		app.log.Warn("%v", err)
	}

	targets := make([]FaultTarget, len(app.workers))
	for i, w := range app.workers {
		targets[i] = w
	}
	app.ipcRx = NewIPCRx(app.log, app.redis, targets)
	return nil
}

func (app *SentinelApp) initCAN() error {
	bus, err := can.NewBusForInterfaceWithName(app.cfg.CAN.Device)
	if err != nil {
		return fmt.Errorf("failed to initialize CAN bus: %v", err)
	}
	app.bus = bus
	app.canTx = NewCANTx(app.log, bus)
	bus.Subscribe(app.canTx)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			app.log.Error("CAN bus publish error: %v", err)
		}
	}()
	app.log.Info("CAN status frames enabled on %s", app.cfg.CAN.Device)
	return nil
}

func (app *SentinelApp) onPersistFailure(e blackbox.Entry, err error) {
	app.log.Error("DTC %s (seq %d) not persisted: %v", e.Code, e.Seq, err)
}

// Run starts every worker and consumer and blocks until the app is
// destroyed or a consumer fails.
func (app *SentinelApp) Run() error {
	app.mu.Lock()
	if app.running || app.destroyed {
		app.mu.Unlock()
		return fmt.Errorf("sentinel already started or destroyed")
	}
	app.running = true
	app.mu.Unlock()
	defer close(app.done)

	g, ctx := errgroup.WithContext(app.ctx)

	for _, w := range app.workers {
		w := w
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		app.reporter.Run(ctx)
		return nil
	})

	if app.redis != nil {
		g.Go(func() error {
			app.mirrorLoop(ctx)
			return nil
		})
		g.Go(func() error {
			app.redisHealthCheck(ctx)
			return nil
		})
	}

	if app.http != nil {
		g.Go(func() error {
			app.log.Info("HTTP API listening on %s", app.http.Addr)
			if err := app.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), SentinelAppHTTPShutdownTime)
			defer cancel()
			return app.http.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// mirrorLoop copies the state into Redis once per tick interval.
func (app *SentinelApp) mirrorLoop(ctx context.Context) {
	ticker := time.NewTicker(app.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One last pass so the final records and DTCs reach Redis.
			flushCtx, cancel := context.WithTimeout(context.Background(), SentinelAppRedisTimeout)
			app.updateRedisState(flushCtx)
			cancel()
			return
		case <-ticker.C:
			app.updateRedisState(ctx)
		}
	}
}

func (app *SentinelApp) updateRedisState(ctx context.Context) {
	snap := app.state.Snapshot()
	for _, id := range snap.IDs() {
		rec := snap.Records[id]
		if rec.Tick == 0 {
			continue
		}
		if err := app.ipcTx.SendStatus(ctx, rec); err != nil {
			app.log.Warn("%v", err)
		}
	}
	if err := app.diag.Sync(ctx); err != nil {
		app.log.Warn("%v", err)
	}
}

func (app *SentinelApp) redisHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(SentinelAppHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := app.redis.Ping(pingCtx).Err(); err != nil {
				app.log.Warn("Redis health check failed: %v", err)
			}
			cancel()
		}
	}
}

// Destroy stops the workers, waits for Run to return, drains the blackbox
// and releases every connection. The error is non-nil when DTCs could not
// be persisted.
func (app *SentinelApp) Destroy() error {
	app.log.Info("Shutting down sentinel...")

	app.cancel()

	app.mu.Lock()
	running := app.running
	app.destroyed = true
	app.mu.Unlock()
	if running {
		<-app.done
	}
	app.log.Info("Workers stopped")

	return app.closeResources()
}

func (app *SentinelApp) closeResources() error {
	var result error

	if app.ipcRx != nil {
		app.ipcRx.Destroy()
		app.log.Info("IPC RX shutdown complete")
	}

	if app.blackbox != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), app.cfg.DrainTimeout())
		if err := app.blackbox.Close(drainCtx); err != nil {
			app.log.Error("Blackbox drain failed: %v", err)
			result = err
		} else {
			app.log.Info("Blackbox drained")
		}
		cancel()
	}

	if app.bus != nil {
		if err := app.bus.Disconnect(); err != nil {
			app.log.Warn("Error disconnecting CAN bus: %v", err)
		}
	}

	if app.diag != nil {
		app.diag.Destroy()
	}
	if app.ipcTx != nil {
		app.ipcTx.Destroy()
	}

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.log.Warn("Error closing Redis connection: %v", err)
		} else {
			app.log.Info("Redis connection closed")
		}
	}

	app.log.Info("Sentinel shutdown complete")
	return result
}
