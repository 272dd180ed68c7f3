package natsbus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/taskforge-io/taskforge/pkg/core"
	"github.com/taskforge-io/taskforge/pkg/transport"
)

// AgentConfig identifies the worker an Agent hosts. Prefix, PoolID and
// WorkerID must match what the dispatcher side uses.
type AgentConfig struct {
	Prefix   string
	PoolID   string
	WorkerID int
	Logger   core.Logger
}

// Agent hosts a Runner on the worker side of the NATS wire: it announces
// readiness, executes assignments one at a time, reports completions, and
// converts panics into crash notices. Run it in the process that owns the
// worker computation; that process can be remote from the dispatcher.
type Agent struct {
	conn     *nats.Conn
	prefix   string
	poolID   string
	workerID int
	runner   transport.Runner
	logger   core.Logger
}

// NewAgent creates an agent for one worker slot.
func NewAgent(conn *nats.Conn, cfg AgentConfig, runner transport.Runner) *Agent {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Agent{
		conn:     conn,
		prefix:   prefix,
		poolID:   cfg.PoolID,
		workerID: cfg.WorkerID,
		runner:   runner,
		logger:   logger,
	}
}

// Run serves the worker until a terminate request arrives or ctx is
// cancelled. It publishes the readiness signal once startup (including an
// optional Starter warm-up) succeeds, and re-publishes it whenever the
// dispatcher asks, so a dispatcher arriving after the agent still sees it.
func (a *Agent) Run(ctx context.Context) error {
	s := subjectsFor(a.prefix, a.poolID, a.workerID)

	// Buffer 1: the dispatcher guarantees at most one assignment in flight.
	taskCh := make(chan *nats.Msg, 1)
	taskSub, err := a.conn.ChanSubscribe(s.task, taskCh)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.task, err)
	}
	defer taskSub.Unsubscribe()

	termCh := make(chan *nats.Msg, 1)
	termSub, err := a.conn.ChanSubscribe(s.terminate, termCh)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.terminate, err)
	}
	defer termSub.Unsubscribe()

	if starter, ok := a.runner.(transport.Starter); ok {
		if serr := starter.Start(ctx); serr != nil {
			a.publishCrash(s, fmt.Sprintf("worker %d startup failed: %v", a.workerID, serr))
			return serr
		}
	}

	ready, err := core.JSONEncode(transport.ReadyMessage{Ready: true})
	if err != nil {
		return err
	}
	startSub, err := a.conn.Subscribe(s.start, func(m *nats.Msg) {
		if perr := a.conn.Publish(s.ready, ready); perr != nil {
			a.logger.Errorf("worker %d: re-announce ready: %v", a.workerID, perr)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.start, err)
	}
	defer startSub.Unsubscribe()
	if err := a.conn.Publish(s.ready, ready); err != nil {
		return fmt.Errorf("publish ready: %w", err)
	}

	for {
		select {
		case m := <-taskCh:
			var msg transport.TaskMessage
			if derr := core.JSONDecode(m.Data, &msg); derr != nil {
				a.logger.Errorf("worker %d: undecodable assignment: %v", a.workerID, derr)
				continue
			}
			if crashed := a.execute(ctx, s, msg); crashed != nil {
				return crashed
			}
		case m := <-termCh:
			m.Respond([]byte("ok"))
			return nil
		case <-ctx.Done():
			// Dying on context cancellation is a crash from the dispatcher's
			// point of view; only a terminate request is a silent exit.
			a.publishCrash(s, fmt.Sprintf("worker %d context cancelled: %v", a.workerID, ctx.Err()))
			return ctx.Err()
		}
	}
}

// execute runs one assignment. A non-nil return means the runner panicked:
// the crash notice has been published and the agent must stop, mirroring a
// worker process exiting with a non-zero code.
func (a *Agent) execute(ctx context.Context, s subjects, msg transport.TaskMessage) (crashed error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("worker %d panicked: %v", a.workerID, r)
			a.publishCrash(s, fmt.Sprintf("worker %d crashed: %v", a.workerID, r))
			crashed = fmt.Errorf("runner panicked: %v", r)
		}
	}()

	result, err := a.runner.Handle(ctx, msg.TaskType, msg.Params)
	completion := transport.CompletionMessage{TaskID: msg.TaskID, Success: err == nil, Result: result}
	if err != nil {
		completion.Error = err.Error()
	}

	data, encErr := core.JSONEncode(completion)
	if encErr != nil {
		// The result payload is not serializable; report the task as failed
		// rather than leaving the dispatcher waiting.
		fallback := transport.CompletionMessage{TaskID: msg.TaskID, Success: false, Error: encErr.Error()}
		data, _ = core.JSONEncode(fallback)
	}
	if perr := a.conn.Publish(s.completion, data); perr != nil {
		a.logger.Errorf("worker %d: publish completion: %v", a.workerID, perr)
	}
	return nil
}

func (a *Agent) publishCrash(s subjects, message string) {
	data, err := core.JSONEncode(crashNotice{Error: message})
	if err != nil {
		return
	}
	if perr := a.conn.Publish(s.crash, data); perr != nil {
		a.logger.Errorf("worker %d: publish crash notice: %v", a.workerID, perr)
	}
}
