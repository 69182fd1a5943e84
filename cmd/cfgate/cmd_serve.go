package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmbish04/cfgate/internal/coach"
	"github.com/jmbish04/cfgate/internal/config"
	"github.com/jmbish04/cfgate/internal/gateway"
	"github.com/jmbish04/cfgate/internal/queue"
	"github.com/jmbish04/cfgate/internal/retry"
	"github.com/jmbish04/cfgate/internal/scheduler"
	"github.com/jmbish04/cfgate/internal/server"
	"github.com/jmbish04/cfgate/internal/session"
	"github.com/jmbish04/cfgate/internal/state"
	"github.com/jmbish04/cfgate/internal/telemetry"
	"github.com/jmbish04/cfgate/internal/threshold"
	"github.com/jmbish04/cfgate/internal/upstream"
	"github.com/jmbish04/cfgate/internal/worker"
	"github.com/jmbish04/cfgate/pkg/llm"
	"github.com/jmbish04/cfgate/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cfgate daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "cfgate.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func retryPolicy(cfg *config.Config) *retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.Retry.MaxAttempts
	p.InitialDelay = cfg.InitialDelay()
	return p
}

func autoTuneConfig(cfg *config.Config) telemetry.Config {
	return telemetry.Config{
		WindowDays:        cfg.AutoTune.WindowDays,
		TargetSuccessRate: cfg.AutoTune.TargetSuccessRate,
		NearMissMargin:    cfg.AutoTune.NearMissMargin,
		NearMissFraction:  cfg.AutoTune.NearMissFraction,
		MinSamples:        cfg.AutoTune.MinSamples,
		Step:              cfg.AutoTune.Step,
		Min:               cfg.AutoTune.Min,
		Max:               cfg.AutoTune.Max,
	}
}

// newConsumer builds the configured work queue backend.
func newConsumer(cfg *config.Config, policy *retry.Policy) (queue.Consumer, func(), error) {
	switch cfg.Queue.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Queue.RedisAddr, err)
		}
		return queue.NewRedis(client, cfg.Queue.RedisKey, cfg.Queue.MaxConcurrent, policy), func() { client.Close() }, nil
	default:
		return queue.NewMemory(int64(cfg.Queue.MaxConcurrent), cfg.Queue.LaneBuffer, policy), func() {}, nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	policy := retryPolicy(cfg)

	// Stores
	sessionStore := state.NewSessionStore(db)
	settings := state.NewSettingsStore(db)
	records := state.NewTelemetryStore(db)

	// Threshold and telemetry
	thr := threshold.New(settings, cfg.Gateway.DefaultThreshold, cfg.ThresholdCache())
	tel := telemetry.New(records, thr, autoTuneConfig(cfg))

	// Work queue
	q, closeQueue, err := newConsumer(cfg, policy)
	if err != nil {
		return err
	}
	defer closeQueue()

	// Session registry
	sessions := session.NewRegistry(session.Options{
		Store:        sessionStore,
		Queue:        q,
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  cfg.IdleTimeout(),
	})
	defer sessions.Close()

	// LLM provider, coach and worker
	var provider llm.Provider
	if cfg.LLM.APIKey != "" {
		provider = openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
	}

	var gwCoach gateway.Coach = coach.Static{}
	var budget *coach.Budget
	if provider != nil {
		budget, err = coach.NewBudget(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
		if err != nil {
			return fmt.Errorf("create token budget: %w", err)
		}
		gwCoach = coach.NewLLM(provider, budget, policy, cfg.CoachTimeout())
	} else {
		slog.Warn("no LLM API key configured, using static coach")
	}

	workerOn := cfg.Worker.Enabled && provider != nil
	if workerOn {
		worker.New(sessions, provider, budget).Attach(q)
	} else {
		slog.Warn("built-in worker disabled, started sessions wait for external updates")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without a local worker the Redis list is left to external consumers.
	if workerOn || cfg.Queue.Backend != "redis" {
		q.Start(ctx)
		defer q.Stop()
	}

	// Gateway
	gw := gateway.New(gateway.Options{
		Coach:     gwCoach,
		Executor:  upstream.New(upstream.Config{BaseURL: cfg.Upstream.BaseURL, APIToken: cfg.Upstream.APIToken, Timeout: cfg.UpstreamTimeout()}, policy),
		Threshold: thr,
		Telemetry: tel,
	})

	// Scheduler
	sched := scheduler.New()
	defer sched.Stop()
	if err := sched.Add("reap", cfg.Session.ReapSchedule, func(context.Context) {
		sessions.Reap()
	}); err != nil {
		return err
	}
	if cfg.AutoTune.Enabled {
		if err := sched.Add("autotune", cfg.AutoTune.Schedule, func(ctx context.Context) {
			res, err := tel.AutoTune(ctx)
			if err != nil {
				slog.Error("auto-tune failed", "error", err)
				return
			}
			slog.Info("auto-tune finished",
				"previous", res.Previous,
				"current", res.Current,
				"changed", res.Changed,
				"reason", res.Reason,
			)
		}); err != nil {
			return err
		}
	}
	sched.Start()

	// HTTP server
	httpServer := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: server.New(server.Options{
			Sessions:       sessions,
			Router:         gw,
			Threshold:      thr,
			Telemetry:      tel,
			OriginPatterns: cfg.HTTP.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}()

	slog.Info("cfgate started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"queue_backend", cfg.Queue.Backend,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"llm_model", cfg.LLM.Model,
		"worker", workerOn,
		"autotune", cfg.AutoTune.Enabled,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Clean up PID file before re-exec
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
					continue
				}
			}
			// SIGINT or SIGTERM
			slog.Info("shutting down", "signal", sig)
			return nil
		}
	}
}
