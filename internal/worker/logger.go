package worker

import (
	"fmt"
	"os"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/attachvault/internal/logger"
)

// asynqLogger routes asynq's printf-style logging into slog.
type asynqLogger struct {
	log *logger.Logger
}

// NewAsynqLogger adapts l to asynq.Logger.
func NewAsynqLogger(l *logger.Logger) asynq.Logger {
	if l == nil {
		l = logger.Nop()
	}
	return asynqLogger{log: l.WithComponent("asynq")}
}

func (a asynqLogger) Debug(args ...any) { a.log.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.log.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.log.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.log.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...any) {
	a.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
