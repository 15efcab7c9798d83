package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Package-level loggers. They start as plain logrus instances so code that
// logs before InitLoggers (tests, init funcs) never hits a nil pointer.
var (
	InfoLogger  = logrus.New()
	WarnLogger  = logrus.New()
	ErrorLogger = logrus.New()
)

// InitLoggers points all loggers at stdout plus a rotating log file.
func InitLoggers() {
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "logs/billing.log"
	}

	var out io.Writer = os.Stdout
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}

	for _, l := range []*logrus.Logger{InfoLogger, WarnLogger, ErrorLogger} {
		l.SetOutput(out)
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		l.SetLevel(level)
	}
}
