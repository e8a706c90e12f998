package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm/logger"
)

// GormLogger routes gorm's logger through an Observer for statements and
// slog for gorm's own messages.
type GormLogger struct {
	obs    Observer
	logger *slog.Logger
	level  logger.LogLevel
}

var _ logger.Interface = (*GormLogger)(nil)

func NewGormLogger(obs Observer, l *slog.Logger) *GormLogger {
	return &GormLogger{obs: obs, logger: l, level: logger.Warn}
}

func (g *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *GormLogger) Info(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Info {
		g.logger.InfoContext(ctx, fmt.Sprintf(msg, args...), "orm", "gorm")
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Warn {
		g.logger.WarnContext(ctx, fmt.Sprintf(msg, args...), "orm", "gorm")
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Error {
		g.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...), "orm", "gorm")
	}
}

func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	stmt, rows := fc()
	g.obs(ctx, newQuery("gorm", stmt, begin, rows, err))
}
