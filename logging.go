package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

type loggers struct {
	main  *log.Logger
	sess  *log.Logger
	hear  *log.Logger
	http  *log.Logger
	sweep *log.Logger
}

func createLoggers(level string) loggers {
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		logLevel = log.InfoLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(logLevel == log.DebugLevel)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(16)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	return loggers{
		main:  logger.With().WithPrefix("main"),
		sess:  logger.With().WithPrefix("sess"),
		hear:  logger.With().WithPrefix("hear"),
		http:  logger.With().WithPrefix("http"),
		sweep: logger.With().WithPrefix("sweep"),
	}
}

// openLogFile points the root logger at path in addition to stderr. The
// returned func closes the file.
func openLogFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, logFile))
	return func() {
		logger.SetOutput(os.Stderr)
		logFile.Close()
	}, nil
}
