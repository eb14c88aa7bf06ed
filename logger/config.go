package logger

import (
	"io"
	"os"
)

// FileConfig holds log file rotation settings, passed through to lumberjack.
type FileConfig struct {
	Filename   string
	MaxSize    int // megabytes
	MaxAge     int // days
	MaxBackups int
	Compress   bool
}

// Config holds the configuration for the logger
type Config struct {
	Level      LogLevel
	Format     OutputFormat
	Outputs    []io.Writer
	Subsystem  string
	FileConfig *FileConfig
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:   InfoLevel,
		Format:  DefaultFormat,
		Outputs: []io.Writer{os.Stdout},
	}
}
