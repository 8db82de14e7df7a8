package observability

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger configures a JSON slog logger with service fields. Debug level
// in dev, Info otherwise.
func SetupLogger(service, appEnv string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if strings.ToLower(appEnv) == "dev" {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", service),
		slog.String("env", appEnv),
	)
	return logger
}
