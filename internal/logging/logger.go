package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with configuration from environment variables.
// PHOTO_LOG_LEVEL controls the log level: trace, debug, info, warn, error (default: info).
// PHOTO_LOG_FORMAT selects console or json output. Inside Lambda the default is
// json so CloudWatch can index the fields; elsewhere it is console.
func Init() {
	InitWith(os.Getenv, os.Stderr)
}

// InitWith is Init with an explicit environment lookup and output.
func InitWith(getenv func(string) string, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(getenv("PHOTO_LOG_LEVEL")))
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	format := strings.ToLower(getenv("PHOTO_LOG_FORMAT"))
	if format == "" && getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		format = "json"
	}
	if format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
