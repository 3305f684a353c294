package eventbus

import (
	"context"
	"fmt"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

const originHeader = "origin"

// KafkaTransport carries messages over one topic per message kind. Each
// node consumes with its own group so every node sees every message.
type KafkaTransport struct {
	client *kgo.Client
	nodeID string
}

func NewKafkaTransport(brokers []string, group, nodeID string) (*KafkaTransport, error) {
	topics := allTopics()
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(fmt.Sprintf("%s-%s", group, nodeID)),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("group", group).
		Str("node", nodeID).
		Msg("Kafka transport initialized")

	return &KafkaTransport{client: client, nodeID: nodeID}, nil
}

func (t *KafkaTransport) Forward(ctx context.Context, msg types.Message) error {
	record, err := kafkaRecord(t.nodeID, msg)
	if err != nil {
		return err
	}
	if err := t.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", record.Topic, err)
	}
	return nil
}

func kafkaRecord(origin string, msg types.Message) (*kgo.Record, error) {
	data, err := encodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic:   topicName(msg.Type()),
		Key:     []byte(msg.ID()),
		Value:   data,
		Headers: []kgo.RecordHeader{{Key: originHeader, Value: []byte(origin)}},
	}, nil
}

func (t *KafkaTransport) Run(ctx context.Context, ingest func(types.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := t.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("Fetch failed")
			}
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			msg, ok, err := t.parse(iter.Next())
			if err != nil {
				log.Error().Err(err).Msg("Failed to parse record")
				continue
			}
			if ok {
				ingest(msg)
			}
		}
	}
}

func (t *KafkaTransport) parse(r *kgo.Record) (types.Message, bool, error) {
	var origin string
	for _, h := range r.Headers {
		if h.Key == originHeader {
			origin = string(h.Value)
		}
	}
	return decodeRemote(t.nodeID, origin, r.Value)
}

func (t *KafkaTransport) Close() error {
	t.client.Close()
	return nil
}
