package config

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/conductor/internal/watch"
)

// Watch reloads path whenever it changes and passes the result to onChange.
// A reload that fails to parse or validate is reported with a nil config;
// callers keep their previous configuration. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config, error)) error {
	if logger == nil {
		logger = slog.Default()
	}
	return watch.File(ctx, path, watch.DefaultDebounce, logger, func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("config reload failed", "path", path, "error", err)
			onChange(nil, err)
			return
		}
		logger.Info("config reloaded", "path", path)
		onChange(cfg, nil)
	})
}
