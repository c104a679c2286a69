package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/ace-collector/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

// GroupLogger returns a logger scoped to one dispatch target (a group and
// the registry database it polls), so call sites inside one group's
// dispatch loop don't repeat those two fields on every log line.
func GroupLogger(group, database string) *slog.Logger {
	return slog.Default().With(slog.String("group", group), slog.String("database", database))
}
