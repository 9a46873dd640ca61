// Package workflow drives the generate/reflect refinement loop over an
// append-only message history.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"refine-agent/internal/domain"
)

// DefaultThreshold stops the loop once a generation step leaves more than six
// messages in the history: three full round trips from a one-message seed.
const DefaultThreshold = 6

// Responder produces one message from the full history. Generation and
// reflection are two Responders with different framing.
type Responder interface {
	Respond(ctx context.Context, history []domain.Message) (domain.Message, error)
}

// Step describes one transition of a run.
type Step struct {
	Index      int
	From       State
	To         State
	Appended   domain.Message
	HistoryLen int
}

// Observer receives every transition of a run, in order, on the run's
// goroutine.
type Observer interface {
	OnStep(ctx context.Context, step Step)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, step Step)

func (f ObserverFunc) OnStep(ctx context.Context, step Step) {
	f(ctx, step)
}

// Result is the outcome of a run. On failure it carries the history as it was
// when the failing step started.
type Result struct {
	History History
	States  []State
	Final   State
}

// Answer returns the final generation output of a completed run.
func (r Result) Answer() string {
	if r.Final != StateDone {
		return ""
	}
	last, _ := r.History.Last()
	return last.Content
}

// Refinement returns the typed view of the run's history.
func (r Result) Refinement() Refinement {
	return Summarize(r.History)
}

// Controller runs the refinement state machine. It holds no per-run state and
// may serve concurrent runs.
type Controller struct {
	generator Responder
	reflector Responder
	threshold int
	observer  Observer
	logger    *slog.Logger
}

type Option func(*Controller)

// WithThreshold sets N in the termination rule len(history) > N.
func WithThreshold(n int) Option {
	return func(c *Controller) {
		c.threshold = n
	}
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// New creates a Controller calling generator and reflector in turn.
func New(generator, reflector Responder, opts ...Option) (*Controller, error) {
	if generator == nil {
		return nil, errors.New("workflow: generator must not be nil")
	}
	if reflector == nil {
		return nil, errors.New("workflow: reflector must not be nil")
	}
	c := &Controller{
		generator: generator,
		reflector: reflector,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.threshold < 0 {
		return nil, ErrInvalidThreshold
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// Threshold returns the configured N.
func (c *Controller) Threshold() int {
	return c.threshold
}

// Run seeds a history with instruction and alternates generation and
// reflection until a generation step leaves more than Threshold messages.
//
// Errors are *StepError values tagged with the state the run was in; the
// returned Result still holds the partial history for diagnostics.
func (c *Controller) Run(ctx context.Context, instruction string) (Result, error) {
	res := Result{States: []State{StateGenerating}, Final: StateGenerating}
	if strings.TrimSpace(instruction) == "" {
		return res, &StepError{State: StateGenerating, Err: ErrEmptyInstruction}
	}
	res.History = NewHistory(domain.Message{Role: domain.RoleUser, Content: instruction})

	log := c.logger.With("threshold", c.threshold)
	log.Info("workflow run started")

	for i := 1; !res.Final.Terminal(); i++ {
		from := res.Final
		next, history, err := c.transition(ctx, from, res.History)
		if err != nil {
			log.Error("workflow step failed", "step", i, "state", from, "history_len", res.History.Len(), "err", err)
			return res, err
		}
		res.History = history
		res.Final = next
		res.States = append(res.States, next)

		appended, _ := history.Last()
		log.Debug("workflow step", "step", i, "from", from, "to", next, "history_len", history.Len())
		if c.observer != nil {
			c.observer.OnStep(ctx, Step{
				Index:      i,
				From:       from,
				To:         next,
				Appended:   appended,
				HistoryLen: history.Len(),
			})
		}
	}

	log.Info("workflow run finished", "history_len", res.History.Len(), "steps", len(res.States)-1)
	return res, nil
}

// transition applies one row of the state table.
func (c *Controller) transition(ctx context.Context, state State, h History) (State, History, error) {
	switch state {
	case StateGenerating:
		msg, err := c.call(ctx, c.generator, h)
		if err != nil {
			return state, h, &StepError{State: state, Err: err}
		}
		h = h.Append(domain.Message{Role: domain.RoleAssistant, Content: msg.Content})
		if c.shouldStop(h) {
			return StateDone, h, nil
		}
		return StateReflecting, h, nil
	case StateReflecting:
		msg, err := c.call(ctx, c.reflector, h)
		if err != nil {
			return state, h, &StepError{State: state, Err: err}
		}
		return StateGenerating, h.Append(AsInstruction(msg)), nil
	default:
		return state, h, &StepError{State: state, Err: fmt.Errorf("workflow: no transition from %s", state)}
	}
}

// shouldStop is only consulted after a generation step, so a run always ends
// on generation output.
func (c *Controller) shouldStop(h History) bool {
	return h.Len() > c.threshold
}

func (c *Controller) call(ctx context.Context, r Responder, h History) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	msg, err := r.Respond(ctx, h.Messages())
	if err != nil {
		return domain.Message{}, err
	}
	if strings.TrimSpace(msg.Content) == "" {
		return domain.Message{}, ErrEmptyResponse
	}
	return msg, nil
}
