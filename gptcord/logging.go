package gptcord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// newLogger returns a tint-backed logger at level, named by loggerNameKey.
func newLogger(name string, level slog.Leveler) *slog.Logger {
	return slog.New(newLogHandler(level)).With(loggerNameKey, name)
}

func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter,
		&tint.Options{Level: level, AddSource: true},
	)
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc returns a function suitable for discordgo.Logger,
// which sends discordgo's log output to handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// discordgoLogLevel maps a slog level onto discordgo's log levels.
func discordgoLogLevel(level slog.Level) int {
	switch {
	case level <= slog.LevelDebug:
		return discordgo.LogDebug
	case level <= slog.LevelInfo:
		return discordgo.LogInformational
	case level <= slog.LevelWarn:
		return discordgo.LogWarning
	default:
		return discordgo.LogError
	}
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, the level is controlled by the handler.
func (g *gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	attrs := []any{
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"sql", s,
	}
	if rowsAffected == -1 {
		attrs = append(attrs, "rows", "-")
	} else {
		attrs = append(attrs, "rows", rowsAffected)
	}
	if err != nil {
		attrs = append(attrs, tint.Err(err))
	}

	switch {
	case err != nil && !isRecordNotFound(err):
		g.logger.ErrorContext(ctx, "sql error", attrs...)
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(ctx, "slow sql", attrs...)
	default:
		g.logger.DebugContext(ctx, "sql completed", attrs...)
	}
}
