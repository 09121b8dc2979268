package config

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/lumberjack/v2"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger: JSON (or text with RawLog) to stderr,
// mirrored to a rotating file under <root>/.logs/dispatch.log. Credentials
// are never logged; the log file is the only state dispatch writes to disk.
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if cfg.RawLog {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}

	logDir := filepath.Join(cfg.Root, ".logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.WithError(err).Warn("cannot create log directory, logging to stderr only")
		return log
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "dispatch.log"),
		MaxSize:    10, // MB
		MaxBackups: 5,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotating))
	return log
}
