package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/moot-dev/moot/internal/config"
	"github.com/moot-dev/moot/internal/message"
	"github.com/moot-dev/moot/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func newTestClient(t *testing.T) *natsbus.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: 0})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRemoteProcess(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Subscribe(natsbus.TopicAgentRequest("r1"), func(msg *nats.Msg) {
		var env message.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		reply, err := env.Reply("r1", message.KindProposal, map[string]any{
			"proposal": "answer to " + env.Text("description"),
		})
		if err != nil {
			t.Errorf("build reply: %v", err)
			return
		}
		data, _ := json.Marshal(reply)
		msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	remote := NewRemote("r1", client)
	if remote.ID() != "r1" {
		t.Errorf("ID() = %q, want r1", remote.ID())
	}

	env, err := message.New("coordinator", []string{"r1"}, message.KindTaskPrompt,
		map[string]any{"description": "q"})
	if err != nil {
		t.Fatalf("New envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := remote.Process(ctx, env)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply.Kind != message.KindProposal {
		t.Errorf("reply kind = %q, want proposal", reply.Kind)
	}
	if got := reply.Text("proposal"); got != "answer to q" {
		t.Errorf("reply proposal = %q", got)
	}
}

func TestRemoteProcessTimeout(t *testing.T) {
	client := newTestClient(t)

	remote := NewRemote("nobody", client)
	env, err := message.New("coordinator", []string{"nobody"}, message.KindTaskPrompt, nil)
	if err != nil {
		t.Fatalf("New envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := remote.Process(ctx, env); err == nil {
		t.Fatal("expected error when no remote agent is listening")
	}
}
