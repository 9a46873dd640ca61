package workflow

import "refine-agent/internal/domain"

// AsInstruction relabels m as a user message so the next generation call
// reads a critique as new input instead of its own earlier output.
func AsInstruction(m domain.Message) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: m.Content}
}

// Refinement is the typed view of a run: the latest candidate and the
// critiques that led to it.
type Refinement struct {
	Instruction string
	Candidate   string
	Critiques   []string
}

// Summarize derives a Refinement from a history laid out by the controller:
// the seed instruction, then alternating candidates and adapted critiques.
func Summarize(h History) Refinement {
	var r Refinement
	for i, m := range h.msgs {
		switch {
		case i == 0:
			r.Instruction = m.Content
		case m.Role == domain.RoleAssistant:
			r.Candidate = m.Content
		default:
			r.Critiques = append(r.Critiques, m.Content)
		}
	}
	return r
}
