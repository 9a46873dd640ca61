package render

import (
	"fmt"
	"strings"

	"refine-agent/internal/domain"
)

// Graph returns the static workflow graph as a Mermaid flowchart.
func Graph() string {
	return strings.Join([]string{
		"flowchart TD",
		"\t__start__([start]) --> generate",
		"\tgenerate -. continue .-> reflect",
		"\tgenerate -. len(history) > N .-> __end__([end])",
		"\treflect --> generate",
		"",
	}, "\n")
}

// Path renders the states a run visited, in order, as a Mermaid flowchart.
// Each visit gets its own node so repeated states stay readable.
func Path(states []string) string {
	var b strings.Builder
	b.WriteString("flowchart LR\n")
	for i, s := range states {
		fmt.Fprintf(&b, "\ts%d[%q]\n", i, s)
		if i > 0 {
			fmt.Fprintf(&b, "\ts%d --> s%d\n", i-1, i)
		}
	}
	return b.String()
}

// Transcript renders the history as a numbered plain-text log.
func Transcript(msgs []domain.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%d] %s:\n%s\n", i+1, label(m.Role), strings.TrimSpace(m.Content))
	}
	return b.String()
}

func label(r domain.Role) string {
	switch r {
	case domain.RoleUser:
		return "instruction"
	case domain.RoleAssistant:
		return "draft"
	default:
		return string(r)
	}
}
