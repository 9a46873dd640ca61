package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"refine-agent/internal/domain"
	"refine-agent/internal/render"
	"refine-agent/internal/workflow"
)

// report is what `refine run` prints. A failed run still carries the partial
// history for diagnostics.
type report struct {
	Instruction string           `json:"instruction" yaml:"instruction"`
	MaxMessages int              `json:"maxMessages" yaml:"maxMessages"`
	Answer      string           `json:"answer,omitempty" yaml:"answer,omitempty"`
	States      []string         `json:"states" yaml:"states"`
	Messages    []domain.Message `json:"messages" yaml:"messages"`
	FailedState string           `json:"failedState,omitempty" yaml:"failedState,omitempty"`
	Error       string           `json:"error,omitempty" yaml:"error,omitempty"`
}

func newReport(instruction string, threshold int, res workflow.Result, runErr error) report {
	r := report{
		Instruction: instruction,
		MaxMessages: threshold,
		Answer:      res.Answer(),
		States:      make([]string, len(res.States)),
		Messages:    res.History.Messages(),
	}
	for i, st := range res.States {
		r.States[i] = st.String()
	}
	if runErr != nil {
		r.Error = runErr.Error()
		if st, ok := workflow.FailedState(runErr); ok {
			r.FailedState = st.String()
		}
	}
	return r
}

func writeReport(w io.Writer, format string, r report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "mermaid":
		_, err := io.WriteString(w, render.Path(r.States))
		return err
	case "text":
		return writeText(w, r)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writeText(w io.Writer, r report) error {
	var b strings.Builder
	b.WriteString(render.Transcript(r.Messages))
	fmt.Fprintf(&b, "\nstates: %s\n", strings.Join(r.States, " -> "))
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	} else {
		fmt.Fprintf(&b, "\nanswer:\n%s\n", r.Answer)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
