package workflow

import "refine-agent/internal/domain"

// History is the ordered, append-only message log of one run.
//
// Values are immutable: Append returns a new History backed by its own array,
// so a History handed to an observer or returned with an error never changes
// afterwards.
type History struct {
	msgs []domain.Message
}

// NewHistory returns a History holding msgs in the given order.
func NewHistory(msgs ...domain.Message) History {
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return History{msgs: out}
}

// Append returns a new History with m added at the end.
func (h History) Append(m domain.Message) History {
	next := make([]domain.Message, len(h.msgs), len(h.msgs)+1)
	copy(next, h.msgs)
	return History{msgs: append(next, m)}
}

// Len returns the number of messages.
func (h History) Len() int {
	return len(h.msgs)
}

// Messages returns a copy of the log in chronological order.
func (h History) Messages() []domain.Message {
	out := make([]domain.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Last returns the most recent message, if any.
func (h History) Last() (domain.Message, bool) {
	if len(h.msgs) == 0 {
		return domain.Message{}, false
	}
	return h.msgs[len(h.msgs)-1], true
}
