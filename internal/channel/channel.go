// Package channel implements envelope delivery to agent inboxes.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/moot-dev/moot/internal/agent"
	"github.com/moot-dev/moot/internal/message"
	"github.com/moot-dev/moot/internal/natsbus"
	"github.com/moot-dev/moot/internal/registry"
)

var (
	ErrRecipientNotFound = errors.New("channel: no recipient resolved")
	ErrCommunication     = errors.New("channel: delivery failed")
)

// Channel delivers envelopes. Implementations own no business logic.
type Channel interface {
	Send(ctx context.Context, env *message.Envelope) error
	Register(a agent.Agent) error
	Unregister(id string) error
}

// Each registered agent gets one consumer goroutine draining a buffered
// inbox, so an agent never processes two envelopes concurrently. The
// buffer size bounds how far senders can run ahead of a slow agent
// before Send blocks.
const inboxSize = 64

type mailbox struct {
	agent agent.Agent
	inbox chan *message.Envelope
	quit  chan struct{}
	done  chan struct{}
}

// Local is the in-process delivery channel. It keeps no agent
// directory of its own: wildcard recipients are resolved against the
// injected registry, the same one the allocator uses.
type Local struct {
	registry *registry.Registry
	logger   *slog.Logger

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
}

func NewLocal(reg *registry.Registry, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		registry:  reg,
		logger:    logger,
		mailboxes: make(map[string]*mailbox),
	}
}

// AttachBus subscribes the channel to the bus send subject, so agents
// reachable only over NATS can message one another through the same
// fabric as in-process ones. Delivery failures are logged, not
// surfaced: the publisher is fire-and-forget.
func (l *Local) AttachBus(client *natsbus.Client) (*nats.Subscription, error) {
	return client.Subscribe(natsbus.TopicChannelSend, func(msg *nats.Msg) {
		var env message.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			l.logger.Warn("invalid envelope on send subject", "error", err)
			return
		}
		if err := l.Send(context.Background(), &env); err != nil {
			l.logger.Warn("bus envelope delivery failed",
				"sender", env.Sender, "message", env.ID, "error", err)
		}
	})
}

// Register starts a consumer loop for the agent.
func (l *Local) Register(a agent.Agent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := a.ID()
	if _, ok := l.mailboxes[id]; ok {
		return fmt.Errorf("%w: mailbox for %s already exists", ErrCommunication, id)
	}

	mb := &mailbox{
		agent: a,
		inbox: make(chan *message.Envelope, inboxSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	l.mailboxes[id] = mb
	go l.consume(mb)
	return nil
}

// Unregister stops the agent's consumer loop and drops its mailbox.
// Envelopes still queued are discarded.
func (l *Local) Unregister(id string) error {
	l.mu.Lock()
	mb, ok := l.mailboxes[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, id)
	}
	delete(l.mailboxes, id)
	l.mu.Unlock()

	close(mb.quit)
	<-mb.done
	return nil
}

// Close stops every consumer loop.
func (l *Local) Close() {
	l.mu.Lock()
	boxes := make([]*mailbox, 0, len(l.mailboxes))
	for id, mb := range l.mailboxes {
		boxes = append(boxes, mb)
		delete(l.mailboxes, id)
	}
	l.mu.Unlock()

	for _, mb := range boxes {
		close(mb.quit)
		<-mb.done
	}
}

// Send resolves the envelope's recipients and enqueues an independent
// copy to each. A wildcard expands to every other known agent and is
// unioned with any explicit ids alongside it. Missing explicit
// recipients are recorded without aborting delivery to the rest; if
// none of a non-wildcard list resolve, Send fails with
// ErrRecipientNotFound.
func (l *Local) Send(ctx context.Context, env *message.Envelope) error {
	if len(env.To) == 0 {
		return fmt.Errorf("%w: empty recipient list", ErrRecipientNotFound)
	}

	recipients, hadWildcard := l.resolve(env)

	delivered := 0
	for _, id := range recipients {
		l.mu.RLock()
		mb, ok := l.mailboxes[id]
		l.mu.RUnlock()
		if !ok {
			l.logger.Warn("recipient not found, skipping", "recipient", id, "message", env.ID)
			continue
		}

		cp := env.Copy(id)
		select {
		case mb.inbox <- cp:
			delivered++
		case <-mb.quit:
			l.logger.Warn("recipient unregistered mid-send", "recipient", id, "message", env.ID)
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCommunication, ctx.Err())
		}
	}

	if delivered == 0 && !hadWildcard {
		return fmt.Errorf("%w: none of %v are registered", ErrRecipientNotFound, env.To)
	}
	return nil
}

// resolve expands the recipient list. The sender never receives its
// own envelope through a wildcard.
func (l *Local) resolve(env *message.Envelope) (ids []string, hadWildcard bool) {
	seen := make(map[string]struct{})
	for _, id := range env.To {
		if id == message.Wildcard {
			hadWildcard = true
			continue
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if hadWildcard {
		for _, id := range l.registry.IDs() {
			if id == env.Sender {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids, hadWildcard
}

// consume is the per-agent processing loop. Replies returned by
// Process are routed onward, after forcing the sender id to the
// processing agent's own id.
func (l *Local) consume(mb *mailbox) {
	defer close(mb.done)
	for {
		select {
		case env := <-mb.inbox:
			reply, err := mb.agent.Process(context.Background(), env)
			if err != nil {
				l.logger.Error("agent processing failed",
					"agent", mb.agent.ID(), "message", env.ID, "error", err)
				continue
			}
			if reply == nil {
				continue
			}
			reply.Sender = mb.agent.ID()
			if err := l.Send(context.Background(), reply); err != nil {
				l.logger.Error("reply delivery failed",
					"agent", mb.agent.ID(), "message", reply.ID, "error", err)
			}
		case <-mb.quit:
			return
		}
	}
}
