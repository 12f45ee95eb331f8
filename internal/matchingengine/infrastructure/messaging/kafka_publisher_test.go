package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/logger"
	"github.com/wyfcoding/matchingcore/pkg/mq"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(mq.NewProducerWithWriter(w, logger.Discard()), "matching.events")

	ev := &domain.OutgoingEvent{
		Sequence:  7,
		MessageID: "m1",
		Type:      "CashInOut",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   domain.CashInOutEvent{ClientID: "c1", AssetID: "USD", Amount: decimal.RequireFromString("12.5")},
	}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "matching.events", msg.Topic)
	assert.Equal(t, "m1", string(msg.Key))

	var decoded struct {
		Sequence int64 `json:"sequence"`
		Type     string
		Payload  struct {
			Amount string `json:"amount"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, int64(7), decoded.Sequence)
	assert.Equal(t, "12.5", decoded.Payload.Amount)
}

func TestKafkaPublisher_PropagatesWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := NewKafkaPublisher(mq.NewProducerWithWriter(w, logger.Discard()), "matching.events")

	err := p.Publish(context.Background(), &domain.OutgoingEvent{MessageID: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}
