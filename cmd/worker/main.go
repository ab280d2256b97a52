// Package main provides the worker application entry point.
// The worker leases tasks from a Labtasker queue and runs each task's
// command as a subprocess, heartbeating while it runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/labtasker/internal/observability"
	"github.com/fairyhunter13/labtasker/pkg/client"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// workerConfig is the YAML worker configuration file.
type workerConfig struct {
	ServerURL        string         `yaml:"server_url"`
	QueueName        string         `yaml:"queue_name"`
	Password         string         `yaml:"password"`
	WorkerName       string         `yaml:"worker_name"`
	MaxRetries       *int           `yaml:"max_retries"`
	Concurrency      int            `yaml:"concurrency"`
	RequiredFields   []string       `yaml:"required_fields"`
	ExtraFilter      map[string]any `yaml:"extra_filter"`
	HeartbeatTimeout *float64       `yaml:"heartbeat_timeout"`
	Cmd              string         `yaml:"cmd"`
	MetricsAddr      string         `yaml:"metrics_addr"`
}

func loadWorkerConfig(path string) (workerConfig, error) {
	var cfg workerConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("op=worker.config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("op=worker.config: %w", err)
	}
	if cfg.ServerURL == "" || cfg.QueueName == "" || cfg.Password == "" {
		return cfg, fmt.Errorf("op=worker.config: server_url, queue_name and password are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "worker.yaml", "path to worker configuration file")
	flag.Parse()

	cfg, err := loadWorkerConfig(*configPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Expose queue metrics on a dedicated endpoint so Prometheus can
	// scrape worker-side counters.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(strings.TrimRight(cfg.ServerURL, "/"), cfg.QueueName, cfg.Password)

	slog.Info("starting worker",
		slog.String("server", cfg.ServerURL),
		slog.String("queue", cfg.QueueName),
		slog.Int("concurrency", cfg.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		loop, err := client.NewLoop(ctx, api, client.LoopOptions{
			WorkerName:       cfg.WorkerName,
			MaxRetries:       cfg.MaxRetries,
			RequiredFields:   cfg.RequiredFields,
			ExtraFilter:      docval.FromAny(cfg.ExtraFilter),
			HeartbeatTimeout: cfg.HeartbeatTimeout,
		})
		if err != nil {
			slog.Error("worker registration failed", slog.Any("error", err))
			os.Exit(2)
		}
		slog.Info("worker registered", slog.String("worker_id", loop.WorkerID()))

		wg.Add(1)
		go func(l *client.Loop) {
			defer wg.Done()
			if err := l.Run(ctx, runTask(cfg.Cmd)); err != nil && ctx.Err() == nil {
				slog.Error("worker loop stopped", slog.Any("error", err), slog.String("worker_id", l.WorkerID()))
			}
		}(loop)
	}

	wg.Wait()
	slog.Info("worker stopped")
}

// runTask builds the TaskFunc that executes one leased task as a shell
// subprocess. The task's own cmd wins over the config default; the
// task args are passed as JSON in LABTASKER_TASK_ARGS.
func runTask(defaultCmd string) client.TaskFunc {
	return func(ctx context.Context, task client.Task) (docval.Value, error) {
		command := task.Cmd
		if command == "" {
			command = defaultCmd
		}
		if command == "" {
			return docval.Object(nil), fmt.Errorf("op=worker.run: task %s has no cmd and no default is configured", task.TaskID)
		}

		argsJSON, err := json.Marshal(task.Args)
		if err != nil {
			return docval.Object(nil), fmt.Errorf("op=worker.run: encode args: %w", err)
		}

		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Env = append(os.Environ(),
			"LABTASKER_TASK_ID="+task.TaskID,
			"LABTASKER_TASK_ARGS="+string(argsJSON),
		)
		out, err := cmd.CombinedOutput()

		summary := docval.Object(nil).Set("output_tail", docval.String(tail(out, 4096)))
		if err != nil {
			return summary, fmt.Errorf("op=worker.run: %w", err)
		}
		return summary, nil
	}
}

// tail keeps the last n bytes of subprocess output for the summary.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
