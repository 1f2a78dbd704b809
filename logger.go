package kueri

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Logger is the structured logger used by the client. Arguments after msg
// are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// DebugConfig selects which parts of the client log at debug level.
type DebugConfig struct {
	Enabled         bool
	LogRequests     bool
	LogCache        bool
	LogRetries      bool
	LogInvalidation bool
	LogHydration    bool
	RequestIDGen    func() string
}

// DefaultDebugConfig returns a disabled config with every category turned on
// and uuid request IDs.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:         false,
		LogRequests:     true,
		LogCache:        true,
		LogRetries:      true,
		LogInvalidation: true,
		LogHydration:    true,
		RequestIDGen:    generateRequestID,
	}
}

func generateRequestID() string {
	return uuid.NewString()
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger adapts a zap logger.
func NewZapLogger(logger *zap.Logger) Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapLogger{sugar: logger.Sugar()}
}

// NewSimpleLogger returns a human readable console logger.
func NewSimpleLogger() Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	return NewZapLogger(logger)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return NewZapLogger(zap.NewNop())
}

func (l *zapLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *zapLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

type logrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger adapts a logrus logger or entry.
func NewLogrusLogger(logger logrus.FieldLogger) Logger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &logrusLogger{logger: logger}
}

func (l *logrusLogger) Debug(msg string, args ...interface{}) {
	l.logger.WithFields(fieldsOf(args)).Debug(msg)
}

func (l *logrusLogger) Info(msg string, args ...interface{}) {
	l.logger.WithFields(fieldsOf(args)).Info(msg)
}

func (l *logrusLogger) Warn(msg string, args ...interface{}) {
	l.logger.WithFields(fieldsOf(args)).Warn(msg)
}

func (l *logrusLogger) Error(msg string, args ...interface{}) {
	l.logger.WithFields(fieldsOf(args)).Error(msg)
}

// fieldsOf turns key/value pairs into logrus fields. A dangling key is kept
// under "!BADKEY" like slog does.
func fieldsOf(args []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}
