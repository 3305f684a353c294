package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// Transport bridges buses on different nodes. Forward sends a locally
// published message; Run receives remote messages until ctx ends and
// passes them to ingest. Messages sent by this node must not come back
// through ingest.
type Transport interface {
	Forward(ctx context.Context, msg types.Message) error
	Run(ctx context.Context, ingest func(types.Message)) error
	Close() error
}

const topicPrefix = "aatm."

// topicName is the stream or topic carrying one message kind.
func topicName(t types.MessageType) string {
	return topicPrefix + t.String()
}

func allTopics() []string {
	kinds := types.AllMessageTypes()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = topicName(k)
	}
	return names
}

func encodeMessage(msg types.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", msg.ID(), err)
	}
	return data, nil
}

// decodeRemote returns ok=false for this node's own echoes.
func decodeRemote(self, origin string, data []byte) (types.Message, bool, error) {
	if origin == self {
		return types.Message{}, false, nil
	}
	msg, err := types.DecodeMessage(data)
	if err != nil {
		return types.Message{}, false, err
	}
	return msg, true, nil
}
