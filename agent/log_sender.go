package agent

import (
	"context"

	"github.com/google/uuid"
	"github.com/mohitkumar/engage/dispatch"
	"github.com/mohitkumar/engage/logger"
	"github.com/mohitkumar/engage/model"
	"go.uber.org/zap"
)

var _ dispatch.ChannelSender = new(LogSender)

// LogSender writes outbound messages to the log instead of a provider. The
// binary uses it when no transport is plugged in.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, channelId string, destination string, payload model.MessagePayload) (string, error) {
	id := uuid.NewString()
	logger.Info("outbound message",
		zap.String("channel", channelId),
		zap.String("destination", destination),
		zap.String("preview", payload.Preview()),
		zap.String("providerMessageId", id))
	return id, nil
}
