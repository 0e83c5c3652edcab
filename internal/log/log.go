package log

import (
	"io"
	"log/slog"
	"os"

	runtime "github.com/banzaicloud/logrus-runtime-formatter"
	"github.com/bombsimon/logrusr/v4"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// slogLevelTrace sits below debug, slog has no trace level of its own.
const slogLevelTrace = slog.LevelDebug - 4

var levelVar = &slog.LevelVar{}

// InitLogger will initialize the default logger instance.
func InitLogger() {
	levelVar.Set(slog.LevelInfo)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar, AddSource: true}))

	slog.SetDefault(logger)
}

// SetLevel will set the logging level of the default logger at runtime.
func SetLevel(loglevel string) {
	switch Level(loglevel) {
	case LevelTrace:
		levelVar.Set(slogLevelTrace)
	case LevelDebug:
		levelVar.Set(slog.LevelDebug)
	case LevelInfo, "":
		levelVar.Set(slog.LevelInfo)
	case LevelWarn:
		levelVar.Set(slog.LevelWarn)
	case LevelError:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
		slog.Warn("Unknown log level, defaulting to info", "loglevel", loglevel)
	}
}

// NewLogrusLogger will generate a new logrus logger instance writing to out,
// stdout when out is nil.
func NewLogrusLogger(logLevel string, out io.Writer) *logrus.Logger {
	logger := logrus.New()

	if out == nil {
		out = os.Stdout
	}

	logger.SetOutput(out)
	logger.SetLevel(logrusLevel(logger, logLevel))

	runtimeFormatter := &runtime.Formatter{
		ChildFormatter: &logrus.JSONFormatter{},
		File:           true,
		Line:           true,
		BaseNameOnly:   true,
	}

	logger.SetFormatter(runtimeFormatter)

	return logger
}

func logrusLevel(logger *logrus.Logger, logLevel string) logrus.Level {
	switch Level(logLevel) {
	case LevelTrace:
		return logrus.TraceLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo, "":
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		logger.WithField("logLevel", logLevel).Warn("Unknown log level, defaulting to info")
		return logrus.InfoLevel
	}
}

// NewLogr adapts a logrus logger for libraries logging through logr, the
// OpenTelemetry SDK among them.
func NewLogr(logger *logrus.Logger) logr.Logger {
	return logrusr.New(logger)
}
