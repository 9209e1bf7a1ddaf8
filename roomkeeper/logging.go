package roomkeeper

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"log/slog"
	"strings"
	"time"
)

const loggerNameKey = "logger"

// discordgoLoggerFunc adapts discordgo's printf-style logger to slog.
// discordgo's own levels map onto slog's, and its multi-line messages
// (mostly gateway payload dumps) are collapsed onto one line.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(msgL int, caller int, format string, args ...any) {
		var level slog.Level
		switch msgL {
		case discordgo.LogDebug:
			level = slog.LevelDebug
		case discordgo.LogWarning:
			level = slog.LevelWarn
		case discordgo.LogError:
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}
		if !log.Enabled(ctx, level) {
			return
		}
		msg := strings.Join(strings.Fields(fmt.Sprintf(format, args...)), " ")
		log.LogAttrs(ctx, level, msg, slog.Int("caller_depth", caller))
	}
}

// DBLogLevel is a log level stored in [RuntimeConfig], so admins can
// change component verbosity without a restart. Values are normalized
// to slog's names (DEBUG, INFO, WARN, ERROR).
type DBLogLevel string

var (
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
)

func parseDBLogLevel(s string) (DBLogLevel, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return "", fmt.Errorf("unknown log level: %s", s)
	}
	return DBLogLevel(level.String()), nil
}

func (l *DBLogLevel) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return errors.New("invalid type for DBLogLevel")
	}
	parsed, err := parseDBLogLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l DBLogLevel) Value() (driver.Value, error) {
	return string(l), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(l))
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := parseDBLogLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Level returns the slog.Level, or INFO if the stored value doesn't parse
func (l DBLogLevel) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// gormStructuredLogger sends gorm's statement traces through slog.
// Record-not-found results aren't treated as errors, since room and
// pending-response lookups miss as a matter of course.
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

// LogMode is a no-op, levels are controlled by the slog handler
func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	slow := g.SlowThreshold > 0 && elapsed > g.SlowThreshold
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)

	level := slog.LevelDebug
	msg := "sql completed"
	switch {
	case failed:
		level, msg = slog.LevelError, "sql failed"
	case slow:
		level, msg = slog.LevelWarn, "slow sql"
	}
	if !g.logger.Enabled(ctx, level) {
		return
	}

	query, rows := fc()
	attrs := []slog.Attr{
		slog.Duration("elapsed", elapsed),
		slog.String("sql", query),
	}
	if rows >= 0 {
		attrs = append(attrs, slog.Int64("rows", rows))
	}
	if slow {
		attrs = append(attrs, slog.Duration("threshold", g.SlowThreshold))
	}
	if failed {
		attrs = append(attrs, tint.Err(err))
	}
	g.logger.LogAttrs(ctx, level, msg, attrs...)
}
