package dispatch

import (
	"context"

	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// LogDispatcher is the development ChannelDispatcher: no provider I/O, just a
// log line carrying the last two digits of the code. Selected at construction
// when debug mode is on, so business logic never branches on environment.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) SendSms(ctx context.Context, to string, msg model.Message) bool {
	d.logger.Info("Debug mode: SMS dispatch suppressed",
		util.String("to", to),
		util.String("code_tail", msg.CodeHint))
	return true
}

func (d *LogDispatcher) SendEmail(ctx context.Context, to string, msg model.Message) error {
	d.logger.Info("Debug mode: email dispatch suppressed",
		util.String("to", to),
		util.String("subject", msg.Subject),
		util.String("code_tail", msg.CodeHint))
	return nil
}
