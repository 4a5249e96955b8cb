package marketdata

import (
	"context"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/models"
)

// Metadata keys set on published messages
const (
	MetadataEventType = "event_type"
	MetadataSequence  = "sequence_number"
	MetadataSymbol    = "symbol"
)

const topicPrefix = "events."

// TopicFor returns the topic carrying a symbol's events
func TopicFor(symbol string) string {
	return topicPrefix + symbol
}

// Publisher fans committed engine events out to downstream consumers on an
// in-process pub/sub, one topic per symbol. It is called after the store has
// acknowledged the batch and the symbol lock is released; it never affects
// matching.
type Publisher struct {
	pubSub *gochannel.GoChannel
	logger *zap.Logger
}

// NewPublisher creates a market data publisher
func NewPublisher(bufferSize int, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: int64(bufferSize),
		},
		watermill.NewStdLogger(false, false),
	)
	return &Publisher{
		pubSub: pubSub,
		logger: logger,
	}
}

// Publish sends a command's committed event batch to the symbol's topic.
// Events that fail to encode are logged and skipped; fan-out is best effort
// and the event store remains the source of truth.
func (p *Publisher) Publish(symbol string, events []models.OrderEvent) {
	topic := TopicFor(symbol)
	for _, event := range events {
		payload, err := models.EncodeEvent(event)
		if err != nil {
			p.logger.Error("Failed to encode event for fan-out",
				zap.String("symbol", symbol),
				zap.String("eventType", string(event.Type())),
				zap.Error(err),
			)
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set(MetadataEventType, string(event.Type()))
		msg.Metadata.Set(MetadataSequence, strconv.FormatUint(event.Sequence(), 10))
		msg.Metadata.Set(MetadataSymbol, symbol)
		if err := p.pubSub.Publish(topic, msg); err != nil {
			p.logger.Error("Failed to publish event",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
}

// Subscribe returns a channel of messages for a symbol's events
func (p *Publisher) Subscribe(ctx context.Context, symbol string) (<-chan *message.Message, error) {
	return p.pubSub.Subscribe(ctx, TopicFor(symbol))
}

// Close shuts down the pub/sub and closes all subscriber channels
func (p *Publisher) Close() error {
	return p.pubSub.Close()
}

// DecodeMessage turns a published message back into the event it carries
func DecodeMessage(msg *message.Message) (models.OrderEvent, error) {
	return models.DecodeEvent(models.EventType(msg.Metadata.Get(MetadataEventType)), msg.Payload)
}
