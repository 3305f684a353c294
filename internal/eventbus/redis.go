package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
)

const redisStreamMaxLen = 10000

// RedisTransport carries messages over one Redis stream per message kind.
type RedisTransport struct {
	client *redis.Client
	nodeID string
	block  time.Duration
}

func NewRedisTransport(host string, port int, nodeID string) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", fmt.Sprintf("%s:%d", host, port)).Str("node", nodeID).Msg("Connected to Redis")

	return newRedisTransport(client, nodeID), nil
}

func newRedisTransport(client *redis.Client, nodeID string) *RedisTransport {
	return &RedisTransport{client: client, nodeID: nodeID, block: time.Second}
}

func (t *RedisTransport) Forward(ctx context.Context, msg types.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	stream := topicName(msg.Type())
	if err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: redisValues(t.nodeID, msg, data),
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Debug().
		Str("stream", stream).
		Str("message_id", msg.ID()).
		Msg("Forwarded message")

	return nil
}

func redisValues(origin string, msg types.Message, data []byte) map[string]interface{} {
	return map[string]interface{}{
		"id":      msg.ID(),
		"type":    msg.Type().String(),
		"origin":  origin,
		"message": string(data),
	}
}

// Run reads every message stream from the current tail onwards.
func (t *RedisTransport) Run(ctx context.Context, ingest func(types.Message)) error {
	streams := allTopics()
	log.Info().Strs("streams", streams).Msg("Subscribing to streams")

	args := &redis.XReadArgs{
		Streams: append(streams, make([]string, len(streams))...),
		Block:   t.block,
		Count:   100,
	}

	// Only messages added after we start
	for i := range streams {
		args.Streams[len(streams)+i] = "$"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := t.client.XRead(ctx, args).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("Failed to read from stream")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range result {
			for _, message := range stream.Messages {
				// Update last ID for this stream
				for i, s := range streams {
					if s == stream.Stream {
						args.Streams[len(streams)+i] = message.ID
					}
				}

				msg, ok, err := t.parse(message)
				if err != nil {
					log.Error().Err(err).Str("stream", stream.Stream).Msg("Failed to parse message")
					continue
				}
				if ok {
					ingest(msg)
				}
			}
		}
	}
}

func (t *RedisTransport) parse(m redis.XMessage) (types.Message, bool, error) {
	origin, _ := m.Values["origin"].(string)
	data, ok := m.Values["message"].(string)
	if !ok {
		return types.Message{}, false, fmt.Errorf("stream entry %s has no message field", m.ID)
	}
	return decodeRemote(t.nodeID, origin, []byte(data))
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
