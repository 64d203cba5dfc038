// Package logging configures the process-wide logrus logger and provides the Gin
// middleware used for request logging and panic recovery.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// OutputOptions controls where log lines are written.
type OutputOptions struct {
	ToFile     bool
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetupBaseLogger installs the shared formatter and the recent-entry hook.
// It is safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
		log.SetLevel(log.InfoLevel)
		log.AddHook(Recent)
	})
}

// SetLogLevel maps a user supplied level name onto logrus levels.
// Unknown names fall back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ConfigureLogOutput switches between stdout and a rotating file under opts.Dir.
// Calling it again replaces (and closes) the previous file writer.
func ConfigureLogOutput(opts OutputOptions) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if !opts.ToFile {
		closeFileWriterLocked()
		log.SetOutput(os.Stdout)
		return nil
	}

	dir := opts.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory %s: %w", dir, err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "server.log"),
		MaxSize:    orDefault(opts.MaxSizeMB, 50),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 14),
		Compress:   true,
	}
	closeFileWriterLocked()
	fileWriter = writer
	log.SetOutput(io.MultiWriter(os.Stdout, writer))
	return nil
}

// Close flushes and closes the file writer, if any.
func Close() {
	outputMu.Lock()
	defer outputMu.Unlock()
	closeFileWriterLocked()
}

func closeFileWriterLocked() {
	if fileWriter == nil {
		return
	}
	if err := fileWriter.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
	fileWriter = nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
