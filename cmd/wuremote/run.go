package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/audit"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/config"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/health"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/remote"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/transport"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/workerpool"
)

const shutdownTimeout = 30 * time.Second

// components holds everything started by startService so it can be torn
// down in reverse order.
type components struct {
	ctrl        *session.Controller
	closeEngine func()
	auditLog    *audit.Logger
	pool        *workerpool.Pool
	client      *transport.Client
	unsubscribe []func()

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func runService() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.AgentID == "" || cfg.ServerURL == "" {
		return errors.New("agent_id and server_url must be configured before running the service")
	}

	service := isWindowsService()
	var console io.Writer = os.Stdout
	if service {
		console = nil
	}
	closeLog, err := setupLogging(cfg, console)
	if err != nil {
		return err
	}
	defer closeLog()

	start := func() (*components, error) { return startService(cfg) }
	if service {
		return runAsService(start)
	}

	comps, err := start()
	if err != nil {
		return err
	}
	fmt.Printf("wuremote v%s serving session %s for %s\n", version, comps.ctrl.ID(), cfg.ServerURL)

	comps.group.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			log.Info("shutdown signal received", "signal", sig.String())
			comps.cancel()
		case <-comps.ctx.Done():
		}
		return nil
	})

	<-comps.ctx.Done()
	return shutdownService(comps)
}

// startService wires engine, session, call history, worker pool and
// transport, and starts the connection.
func startService(cfg *config.Config) (*components, error) {
	mon := health.NewMonitor()

	eng, closeEngine, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}

	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		auditLog, err = audit.NewLogger(cfg)
		if err != nil {
			closeEngine()
			return nil, err
		}
	}

	ctrl := session.New(eng, session.Options{
		AutoAcceptEulas:   cfg.AutoAcceptEulas,
		AutoSelectUpdates: cfg.AutoSelectUpdates,
		SearchCriteria:    cfg.SearchCriteria,
		Health:            mon,
	})

	history := audit.NewHistory(cfg.CallHistorySize, auditLog)
	dispatcher := remote.NewDispatcher(ctrl, remote.Timeouts{
		SearchSeconds:   cfg.SearchTimeoutSeconds,
		DownloadSeconds: cfg.DownloadTimeoutSeconds,
		InstallSeconds:  cfg.InstallTimeoutSeconds,
	}, history, auditLog)

	pool := workerpool.New(cfg.MaxConcurrentCommands, cfg.CommandQueueSize)
	client := transport.New(&transport.Config{
		ServerURL:            cfg.ServerURL,
		AgentID:              cfg.AgentID,
		AuthToken:            cfg.AuthToken,
		CommandRatePerSecond: cfg.CommandRatePerSecond,
	}, dispatcher.Dispatch, pool, mon)

	comps := &components{
		ctrl:        ctrl,
		closeEngine: closeEngine,
		auditLog:    auditLog,
		pool:        pool,
		client:      client,
	}
	comps.unsubscribe = append(comps.unsubscribe,
		ctrl.Subscribe(transport.NewNotifier(client, ctrl.ID())),
		ctrl.Subscribe(session.ListenerFuncs{
			OnStateChanged: func(oldState, newState session.StateID) {
				auditLog.Log(audit.EventStateChanged, "", map[string]any{
					"sessionId": ctrl.ID(),
					"oldState":  oldState.String(),
					"newState":  newState.String(),
				})
			},
		}),
	)

	auditLog.Log(audit.EventServiceStart, "", map[string]any{
		"version":   version,
		"sessionId": ctrl.ID(),
		"engine":    cfg.Engine,
	})

	comps.ctx, comps.cancel = context.WithCancel(context.Background())
	var gctx context.Context
	comps.group, gctx = errgroup.WithContext(comps.ctx)
	comps.group.Go(func() error {
		err := client.Run(gctx)
		comps.cancel()
		return err
	})

	log.Info("service started",
		"version", version,
		"sessionId", ctrl.ID(),
		"engine", cfg.Engine,
		"server", cfg.ServerURL)
	return comps, nil
}

// shutdownService stops the transport, drains in-flight commands and closes
// the session, the engine and the audit log.
func shutdownService(c *components) error {
	c.cancel()
	err := c.group.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	c.pool.Shutdown(ctx)

	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}
	c.ctrl.Close()
	c.closeEngine()

	c.auditLog.Log(audit.EventServiceStop, "", map[string]any{"sessionId": c.ctrl.ID()})
	if cerr := c.auditLog.Close(); cerr != nil {
		log.Warn("failed to close audit log", logging.KeyError, cerr)
	}

	log.Info("service stopped")
	return err
}
