// Package log routes all client logging through a single zerolog logger.
package log

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	LogLevel            = flag.String("app.log_level", "info", "The desired log level. Logs with a level >= this level will be emitted. One of {'fatal', 'error', 'warn', 'info', 'debug'}")
	EnableShortFileName = flag.Bool("app.log_include_short_file_name", false, "If true, log messages will include shortened originating file name.")
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Configure applies the log level flag and installs a console writer.
// Call once early in main; tests may call it from init.
func Configure() error {
	l, err := zerolog.ParseLevel(strings.ToLower(*LogLevel))
	if err != nil {
		return err
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	ctx := zerolog.New(output).Level(l).With().Timestamp()
	if *EnableShortFileName {
		ctx = ctx.Caller()
	}
	logger = ctx.Logger()
	return nil
}

func Debug(message string) {
	logger.Debug().Msg(message)
}

func Debugf(format string, args ...interface{}) {
	logger.Debug().Msgf(format, args...)
}

func Info(message string) {
	logger.Info().Msg(message)
}

func Infof(format string, args ...interface{}) {
	logger.Info().Msgf(format, args...)
}

func Warning(message string) {
	logger.Warn().Msg(message)
}

func Warningf(format string, args ...interface{}) {
	logger.Warn().Msgf(format, args...)
}

func Error(message string) {
	logger.Error().Msg(message)
}

func Errorf(format string, args ...interface{}) {
	logger.Error().Msgf(format, args...)
}

// Fatal logs the message and exits with a non-zero exit code.
func Fatal(message string) {
	logger.Fatal().Msg(message)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatal().Msgf(format, args...)
}

// Print logs at info level regardless of configuration, mirroring the
// stdlib log.Print family.
func Print(message string) {
	logger.Info().Msg(message)
}

func Printf(format string, args ...interface{}) {
	logger.Info().Msg(fmt.Sprintf(format, args...))
}
