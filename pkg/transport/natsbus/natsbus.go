// Package natsbus is a NATS-backed transport: the dispatcher and its
// workers exchange the same messages as in process, but over broker
// subjects, so workers can live in other processes. Exactly-once task
// attachment and FIFO dispatch are preserved because the dispatcher side
// is unchanged; only the wire moves.
//
// Subject layout, per worker:
//
//	<prefix>.<poolID>.worker.<n>.task        assignments (TaskMessage)
//	<prefix>.<poolID>.worker.<n>.ready       readiness   (ReadyMessage)
//	<prefix>.<poolID>.worker.<n>.completion  reports     (CompletionMessage)
//	<prefix>.<poolID>.worker.<n>.crash       crash notices
//	<prefix>.<poolID>.worker.<n>.terminate   termination request/reply
//	<prefix>.<poolID>.worker.<n>.start       readiness re-announce request
package natsbus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/taskforge-io/taskforge/pkg/core"
	"github.com/taskforge-io/taskforge/pkg/transport"
)

// DefaultPrefix is prepended to all subjects.
const DefaultPrefix = "taskforge"

// crashNotice is the wire form of a crash notification.
type crashNotice struct {
	Error string `json:"error"`
}

// Config configures the NATS transport.
type Config struct {
	// Prefix namespaces the subjects. Default: DefaultPrefix.
	Prefix string

	// PoolID isolates this pool's subjects from other pools on the same
	// broker. Default: a fresh UUID.
	PoolID string

	// Logger for transport-level events.
	Logger core.Logger
}

// Transport implements transport.Transport over a NATS connection.
type Transport struct {
	conn   *nats.Conn
	prefix string
	poolID string
	logger core.Logger
}

// New creates a NATS transport on an established connection.
func New(conn *nats.Conn, cfg Config) (*Transport, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	poolID := cfg.PoolID
	if poolID == "" {
		poolID = core.GeneratePoolID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Transport{conn: conn, prefix: prefix, poolID: poolID, logger: logger}, nil
}

// PoolID returns the subject namespace of this transport.
func (t *Transport) PoolID() string { return t.poolID }

type subjects struct {
	task       string
	ready      string
	completion string
	crash      string
	terminate  string
	start      string
}

func subjectsFor(prefix, poolID string, workerID int) subjects {
	base := fmt.Sprintf("%s.%s.worker.%d", prefix, poolID, workerID)
	return subjects{
		task:       base + ".task",
		ready:      base + ".ready",
		completion: base + ".completion",
		crash:      base + ".crash",
		terminate:  base + ".terminate",
		start:      base + ".start",
	}
}

// Spawn implements transport.Transport. It subscribes to the worker's event
// subjects and, when runner is non-nil, starts a local Agent hosting it over
// the same wire. With a nil runner the worker side is expected to be an
// Agent started out-of-band (another process, another host).
func (t *Transport) Spawn(ctx context.Context, workerID int, runner transport.Runner, deliver transport.DeliverFunc) (transport.Handle, error) {
	if deliver == nil {
		return nil, fmt.Errorf("deliver cannot be nil")
	}
	s := subjectsFor(t.prefix, t.poolID, workerID)

	var subs []*nats.Subscription
	cleanup := func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}

	readySub, err := t.conn.Subscribe(s.ready, func(m *nats.Msg) {
		deliver(transport.WorkerEvent{Kind: transport.EventReady})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.ready, err)
	}
	subs = append(subs, readySub)

	compSub, err := t.conn.Subscribe(s.completion, func(m *nats.Msg) {
		var c transport.CompletionMessage
		if derr := core.JSONDecode(m.Data, &c); derr != nil {
			t.logger.Errorf("worker %d: undecodable completion: %v", workerID, derr)
			return
		}
		deliver(transport.WorkerEvent{Kind: transport.EventCompleted, Completion: &c})
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("subscribe %s: %w", s.completion, err)
	}
	subs = append(subs, compSub)

	crashSub, err := t.conn.Subscribe(s.crash, func(m *nats.Msg) {
		var n crashNotice
		if derr := core.JSONDecode(m.Data, &n); derr != nil {
			n.Error = string(m.Data)
		}
		deliver(transport.WorkerEvent{
			Kind: transport.EventCrashed,
			Err:  core.NewError(core.CodeWorkerCrash, "worker %d crashed: %s", workerID, n.Error),
		})
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("subscribe %s: %w", s.crash, err)
	}
	subs = append(subs, crashSub)

	// An agent started before this subscription existed already published its
	// readiness into the void. Ask it to announce again; a not-yet-started
	// agent misses the request but publishes on its own once it is up, and by
	// then the subscription above is in place. Either order converges.
	if err := t.conn.Publish(s.start, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("publish %s: %w", s.start, err)
	}

	if runner != nil {
		agent := NewAgent(t.conn, AgentConfig{
			Prefix:   t.prefix,
			PoolID:   t.poolID,
			WorkerID: workerID,
			Logger:   t.logger,
		}, runner)
		go func() {
			if rerr := agent.Run(ctx); rerr != nil {
				t.logger.Debugf("worker %d agent exited: %v", workerID, rerr)
			}
		}()
	}

	return &natsHandle{transport: t, subjects: s, subs: subs}, nil
}

type natsHandle struct {
	transport *Transport
	subjects  subjects
	subs      []*nats.Subscription
}

// Assign implements transport.Handle.
func (h *natsHandle) Assign(msg transport.TaskMessage) error {
	data, err := core.JSONEncode(msg)
	if err != nil {
		return err
	}
	return h.transport.conn.Publish(h.subjects.task, data)
}

// Terminate implements transport.Handle. It requests termination and waits
// for the agent's acknowledgement, bounded by ctx.
func (h *natsHandle) Terminate(ctx context.Context) error {
	defer func() {
		for _, sub := range h.subs {
			sub.Unsubscribe()
		}
	}()

	if _, err := h.transport.conn.RequestWithContext(ctx, h.subjects.terminate, nil); err != nil {
		return fmt.Errorf("terminate worker: %w", err)
	}
	return nil
}
