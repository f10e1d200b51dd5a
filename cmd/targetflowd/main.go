// Command targetflowd runs the target scheduling daemon: it loads a
// configuration profile, opens the target store, wires an executor and
// driver, and serves the client wire protocol over HTTP(S), alongside
// an optional administrative command pipe.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/targetflow/cmdpipe"
	"github.com/dshills/targetflow/config"
	"github.com/dshills/targetflow/engine"
	"github.com/dshills/targetflow/engine/emit"
	"github.com/dshills/targetflow/engine/executor"
	"github.com/dshills/targetflow/engine/store"
	"github.com/dshills/targetflow/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration file")
	profileName := flag.String("profile", "", "profile name (defaults to TARGETFLOW_PROFILE)")
	executorKind := flag.String("executor", "local", "executor backend: local or lsf (ssh is not selectable here)")
	flag.Parse()

	profile, err := loadProfile(*configPath, *profileName)
	if err != nil {
		log.Fatalf("targetflowd: %v", err)
	}

	if err := run(profile, *executorKind); err != nil {
		log.Fatalf("targetflowd: %v", err)
	}
}

func loadProfile(configPath, profileName string) (config.Profile, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath, profileName)
}

func run(profile config.Profile, executorKind string) error {
	s, err := store.Open(profile.DatabaseParameters)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ex, err := buildExecutor(executorKind)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	driverCfg := engine.DriverConfig{
		EngineStepBatchSize:      nonZeroOr(profile.EngineStepBatchSize, 64),
		ConcurrentAutomatonSteps: nonZeroOr(profile.ConcurrentAutomatonSteps, 4),
		HostTimeoutUpperBound:    profile.HostTimeoutUpperBound(),
		OrphanKillingWait:        profile.OrphanKillingWait(),
		Policy: engine.FailurePolicy{
			MaximumSuccessiveAttempts:           nonZeroOr(profile.MaximumSuccessiveAttempts, 3),
			TurnUnixSSHFailureIntoTargetFailure: profile.TurnUnixSSHFailureIntoTargetFailure,
			RetryBaseDelay:                      time.Second,
			RetryMaxDelay:                       time.Minute,
		},
	}
	driver := engine.NewDriver(s, ex, driverCfg)

	logPath := os.Stdout
	if profile.LogPath != "" {
		f, err := os.OpenFile(profile.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log path: %w", err)
		}
		defer f.Close()
		logPath = f
	}
	driver.Emitter = emit.NewLogEmitter(logPath, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runBatchLoop(ctx, driver)

	dispatcher := protocol.NewDispatcher(s, driver)
	dispatcher.ReadOnly = profile.ReadOnly
	dispatcher.Database = profile.DatabaseParameters
	if profile.MaxBlockingTime() > 0 {
		dispatcher.MaxBlockingTime = profile.MaxBlockingTime()
	}

	var auth *protocol.TokenAuth
	tokens := make([]protocol.Token, 0, len(profile.Tokens))
	for _, t := range profile.Tokens {
		tokens = append(tokens, protocol.Token{Name: t.Name, Secret: t.Secret})
	}
	auth = protocol.NewTokenAuth(tokens)

	tlsCfg, err := loadTLS(profile)
	if err != nil {
		return fmt.Errorf("load TLS: %w", err)
	}
	if tlsCfg != nil {
		dispatcher.TLSKind = protocol.TLSNative
	}

	addr := fmt.Sprintf(":%d", profile.Port)
	srv := protocol.NewServer(addr, dispatcher, auth)
	srv.ReturnErrorMessages = profile.ReturnErrorMessages

	shutdownCh := make(chan struct{}, 1)
	if profile.CommandPipePath != "" {
		go runCommandPipe(ctx, profile.CommandPipePath, dispatcher, func() {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		})
	}

	if profile.DumpDir != "" {
		go runStateDumps(ctx, s, profile.DumpDir, profile.DumpInterval())
	}

	go serveMetrics()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("targetflowd: listening on %s", addr)
		errCh <- srv.ListenAndServe(tlsCfg)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	stop := func() error {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		log.Printf("targetflowd: shutting down")
		return stop()
	case <-shutdownCh:
		log.Printf("targetflowd: shutting down (command pipe)")
		return stop()
	}
	return nil
}

// runBatchLoop repeatedly drives the driver's batch loop at a fixed
// cadence until the context is cancelled.
func runBatchLoop(ctx context.Context, driver *engine.Driver) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := driver.RunBatch(ctx); err != nil {
				log.Printf("targetflowd: batch error: %v", err)
			}
		}
	}
}

func runCommandPipe(ctx context.Context, path string, dispatcher *protocol.Dispatcher, shutdown func()) {
	f, err := cmdpipe.Open(path)
	if err != nil {
		log.Printf("targetflowd: command pipe disabled: %v", err)
		return
	}
	defer f.Close()

	handle := func(_ context.Context, cmd cmdpipe.Command) error {
		switch cmd.Kind {
		case cmdpipe.CmdReadOnly:
			dispatcher.ReadOnly = cmd.Arg == "true" || cmd.Arg == "1" || cmd.Arg == "on"
			log.Printf("targetflowd: read_only set to %v", dispatcher.ReadOnly)
		case cmdpipe.CmdShutdown:
			shutdown()
		case cmdpipe.CmdReopenLog:
			log.Printf("targetflowd: log reopen requested (handled by external log rotation)")
		}
		return nil
	}
	if err := cmdpipe.Run(ctx, f, handle); err != nil {
		log.Printf("targetflowd: command pipe stopped: %v", err)
	}
}

// runStateDumps periodically snapshots the full target store as JSON
// into dir, overwriting targets.json atomically via rename.
func runStateDumps(ctx context.Context, s store.Store, dir string, interval time.Duration) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("targetflowd: state dumps disabled: %v", err)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dumpState(ctx, s, dir); err != nil {
				log.Printf("targetflowd: state dump: %v", err)
			}
		}
	}
}

func dumpState(ctx context.Context, s store.Store, dir string) error {
	targets, err := s.IterAll(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(targets, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ".targets.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "targets.json"))
}

func serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
		log.Printf("targetflowd: metrics server stopped: %v", err)
	}
}

func buildExecutor(kind string) (executor.Executor, error) {
	switch kind {
	case "local":
		return executor.NewLocalExecutor(), nil
	case "lsf":
		return executor.NewLSFExecutor(), nil
	case "ssh":
		return nil, fmt.Errorf("ssh executor requires per-host client config; construct it programmatically")
	default:
		return nil, fmt.Errorf("unknown executor kind %q", kind)
	}
}

func loadTLS(profile config.Profile) (*tls.Config, error) {
	if profile.TLS == nil {
		return nil, nil
	}
	return protocol.LoadTLSConfig(profile.TLS.CertPath, profile.TLS.KeyPath)
}

func nonZeroOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
