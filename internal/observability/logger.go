package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/labtasker/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev environments
// log at debug, everything else at info. Every record carries the
// service name and environment so logs from multiple replicas stay
// greppable.
func SetupLogger(cfg config.Config) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
