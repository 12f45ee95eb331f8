package messaging

import (
	"context"
	"log/slog"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// LogPublisher 未启用 Kafka 时的事件出口，只写日志
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("module", "event_log")}
}

func (p *LogPublisher) Publish(ctx context.Context, ev *domain.OutgoingEvent) error {
	p.logger.DebugContext(ctx, "event published", "sequence", ev.Sequence, "message_id", ev.MessageID, "type", ev.Type)
	return nil
}
