package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/moot-dev/moot/internal/message"
	"github.com/moot-dev/moot/internal/natsbus"
)

// Remote is an agent living in an external process, reached over the
// bus with request/reply on its request subject. The remote side
// subscribes to agent.<id>.request and responds with a serialized
// envelope.
type Remote struct {
	id     string
	client *natsbus.Client
}

func NewRemote(id string, client *natsbus.Client) *Remote {
	return &Remote{id: id, client: client}
}

func (r *Remote) ID() string { return r.id }

// Process sends the envelope over the bus and waits for the reply
// under ctx's deadline. An empty reply body means the agent chose not
// to respond.
func (r *Remote) Process(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	msg, err := r.client.RequestContext(ctx, natsbus.TopicAgentRequest(r.id), data)
	if err != nil {
		return nil, fmt.Errorf("request agent %s: %w", r.id, err)
	}

	if len(msg.Data) == 0 {
		return nil, nil
	}

	var reply message.Envelope
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal reply from %s: %w", r.id, err)
	}
	return &reply, nil
}
