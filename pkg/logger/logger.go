package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction. It mirrors the logging group of the
// run configuration so the logger can be built before the full config exists.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

var (
	log *logrus.Logger

	// rank of this process in a data-parallel run. Only rank 0 emits log
	// lines unless Force() is used, so worker output does not interleave.
	rank int
)

// Initialize sets up the global logger for the given process rank.
func Initialize(cfg *Config, processRank int) {
	log = logrus.New()
	rank = processRank

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using 'info'", cfg.Level)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		log.Warnf("Invalid log format '%s', using 'text'", cfg.Format)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch cfg.Output {
	case "stdout", "":
		log.SetOutput(os.Stdout)
	case "stderr":
		log.SetOutput(os.Stderr)
	default:
		// Assume file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Warnf("Failed to open log file '%s', using stdout", cfg.Output)
			log.SetOutput(os.Stdout)
		} else {
			log.SetOutput(file)
		}
	}

	if rank != 0 {
		log.SetOutput(io.Discard)
	}

	Force().Infof("Logger initialized (rank %d)", rank)
}

// GetLogger returns the rank-gated global logger. On ranks other than 0 the
// returned logger discards everything.
func GetLogger() *logrus.Logger {
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Force returns a logger that emits regardless of rank. Call sites that need
// per-worker visibility (rank handshake, fatal worker errors) use this.
func Force() *logrus.Entry {
	l := logrus.New()
	base := GetLogger()
	l.SetLevel(base.Level)
	l.SetFormatter(base.Formatter)
	l.SetOutput(os.Stdout)
	return l.WithField("rank", rank)
}

// Rank reports the rank this logger was initialized with.
func Rank() int {
	return rank
}
