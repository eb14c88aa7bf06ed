package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Zerolog field implementations
func (f StringField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Str(f.Key, f.Value)
}

func (f IntField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Int(f.Key, f.Value)
}

func (f Int64Field) apply(event *zerolog.Event) *zerolog.Event {
	return event.Int64(f.Key, f.Value)
}

func (f BoolField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Bool(f.Key, f.Value)
}

func (f DurationField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Dur(f.Key, f.Value)
}

func (f TimeField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Time(f.Key, f.Value)
}

func (f ErrorField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Err(f.Value)
}

func (f AnyField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Interface(f.Key, f.Value)
}

// ZerologLogger implements Logger using zerolog
type ZerologLogger struct {
	logger     zerolog.Logger
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger creates a new ZerologLogger
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var zerologLevel zerolog.Level
	switch config.Level {
	case TraceLevel:
		zerologLevel = zerolog.TraceLevel
	case DebugLevel:
		zerologLevel = zerolog.DebugLevel
	case InfoLevel:
		zerologLevel = zerolog.InfoLevel
	case WarnLevel:
		zerologLevel = zerolog.WarnLevel
	case ErrorLevel:
		zerologLevel = zerolog.ErrorLevel
	case FatalLevel:
		zerologLevel = zerolog.FatalLevel
	default:
		zerologLevel = zerolog.InfoLevel
	}

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil {
		if err := os.MkdirAll(filepath.Dir(config.FileConfig.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   config.FileConfig.Filename,
				MaxSize:    config.FileConfig.MaxSize,
				MaxAge:     config.FileConfig.MaxAge,
				MaxBackups: config.FileConfig.MaxBackups,
				Compress:   config.FileConfig.Compress,
				LocalTime:  true,
			}
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == DefaultFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					"module",
					zerolog.MessageFieldName,
				},
			})
		} else {
			writers = append(writers, output)
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(writer).Level(zerologLevel).With().Timestamp().Logger()

	if config.Subsystem != "" {
		logger = logger.With().Str("module", config.Subsystem).Logger()
	}

	return &ZerologLogger{
		logger:     logger,
		config:     config,
		subsystem:  config.Subsystem,
		fileWriter: fileWriter,
	}
}

// NewTestLogger returns a logger suitable for tests: error-level, console format.
func NewTestLogger() Logger {
	return NewZerologLogger(&Config{
		Level:   ErrorLevel,
		Format:  DefaultFormat,
		Outputs: []io.Writer{os.Stderr},
	})
}

func (zl *ZerologLogger) logWithFields(level zerolog.Level, msg string, fields []TypedField) {
	if zl.logger.GetLevel() > level {
		return
	}

	var event *zerolog.Event
	switch level {
	case zerolog.TraceLevel:
		event = zl.logger.Trace()
	case zerolog.DebugLevel:
		event = zl.logger.Debug()
	case zerolog.InfoLevel:
		event = zl.logger.Info()
	case zerolog.WarnLevel:
		event = zl.logger.Warn()
	case zerolog.ErrorLevel:
		event = zl.logger.Error()
	case zerolog.FatalLevel:
		event = zl.logger.Fatal()
	default:
		return
	}

	for _, field := range fields {
		event = field.apply(event)
	}

	event.Msg(msg)
}

// Trace logs a message at trace level
func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.TraceLevel, msg, fields)
}

// Debug logs a message at debug level
func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.DebugLevel, msg, fields)
}

// Info logs a message at info level
func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.InfoLevel, msg, fields)
}

// Warn logs a message at warn level
func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.WarnLevel, msg, fields)
}

// Error logs a message at error level
func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.ErrorLevel, msg, fields)
}

// Fatal logs a message at fatal level and exits
func (zl *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.FatalLevel, msg, fields)
}

// WithSubsystem creates a new logger with a nested subsystem name
func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	newConfig := *zl.config
	if zl.subsystem != "" {
		newConfig.Subsystem = zl.subsystem + "." + name
	} else {
		newConfig.Subsystem = name
	}
	return NewZerologLogger(&newConfig)
}

// WithFields creates a new logger with additional context fields
func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}

	ctx := zl.logger.With()
	for _, field := range fields {
		switch f := field.(type) {
		case StringField:
			ctx = ctx.Str(f.Key, f.Value)
		case IntField:
			ctx = ctx.Int(f.Key, f.Value)
		case Int64Field:
			ctx = ctx.Int64(f.Key, f.Value)
		case BoolField:
			ctx = ctx.Bool(f.Key, f.Value)
		case DurationField:
			ctx = ctx.Dur(f.Key, f.Value)
		case TimeField:
			ctx = ctx.Time(f.Key, f.Value)
		case ErrorField:
			ctx = ctx.AnErr(f.Key, f.Value)
		case AnyField:
			ctx = ctx.Interface(f.Key, f.Value)
		}
	}

	return &ZerologLogger{
		logger:     ctx.Logger(),
		config:     zl.config,
		subsystem:  zl.subsystem,
		fileWriter: zl.fileWriter,
	}
}

// IsLevelEnabled checks if a log level is enabled
func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	var zerologLevel zerolog.Level
	switch level {
	case TraceLevel:
		zerologLevel = zerolog.TraceLevel
	case DebugLevel:
		zerologLevel = zerolog.DebugLevel
	case InfoLevel:
		zerologLevel = zerolog.InfoLevel
	case WarnLevel:
		zerologLevel = zerolog.WarnLevel
	case ErrorLevel:
		zerologLevel = zerolog.ErrorLevel
	case FatalLevel:
		zerologLevel = zerolog.FatalLevel
	default:
		return false
	}
	return zl.logger.GetLevel() <= zerologLevel
}

// Close closes the logger and cleans up resources
func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
