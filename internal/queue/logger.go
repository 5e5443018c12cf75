package queue

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Logger routes asynq's internal logging through zerolog.
type Logger struct {
	l zerolog.Logger
}

var _ asynq.Logger = Logger{}

// NewLogger wraps l.
func NewLogger(l zerolog.Logger) Logger {
	return Logger{l: l.With().Str("component", "asynq").Logger()}
}

func (a Logger) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a Logger) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a Logger) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a Logger) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }

// Fatal logs and exits, as asynq expects.
func (a Logger) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
