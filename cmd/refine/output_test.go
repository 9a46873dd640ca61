package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"refine-agent/internal/domain"
	"refine-agent/internal/workflow"
)

func sampleReport() report {
	return report{
		Instruction: "Write a post",
		MaxMessages: 0,
		Answer:      "Go is great",
		States:      []string{"generating", "done"},
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Write a post"},
			{Role: domain.RoleAssistant, Content: "Go is great"},
		},
	}
}

func TestWriteReport_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, "text", sampleReport()))
	out := buf.String()
	require.Contains(t, out, "[1] instruction:\nWrite a post\n")
	require.Contains(t, out, "states: generating -> done\n")
	require.True(t, strings.HasSuffix(out, "answer:\nGo is great\n"))
}

func TestWriteReport_TextWithError(t *testing.T) {
	r := sampleReport()
	r.Answer = ""
	r.Error = "workflow: reflecting step failed: boom"
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, "text", r))
	require.Contains(t, buf.String(), "error: workflow: reflecting step failed: boom\n")
	require.NotContains(t, buf.String(), "answer:")
}

func TestWriteReport_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, "json", sampleReport()))

	var got report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, sampleReport(), got)
	require.NotContains(t, buf.String(), "failedState")
}

func TestWriteReport_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, "yaml", sampleReport()))
	require.Contains(t, buf.String(), "maxMessages: 0\n")

	var got report
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, sampleReport(), got)
}

func TestWriteReport_Mermaid(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, "mermaid", sampleReport()))
	require.Equal(t, "flowchart LR\n\ts0[\"generating\"]\n\ts1[\"done\"]\n\ts0 --> s1\n", buf.String())
}

func TestWriteReport_UnknownFormat(t *testing.T) {
	require.Error(t, writeReport(&bytes.Buffer{}, "xml", sampleReport()))
}

func TestNewReport_FailedRun(t *testing.T) {
	res := workflow.Result{
		History: workflow.NewHistory(
			domain.Message{Role: domain.RoleUser, Content: "Write a post"},
			domain.Message{Role: domain.RoleAssistant, Content: "draft"},
		),
		States: []workflow.State{workflow.StateGenerating, workflow.StateReflecting},
		Final:  workflow.StateReflecting,
	}
	err := &workflow.StepError{State: workflow.StateReflecting, Err: errors.New("boom")}

	r := newReport("Write a post", 6, res, err)
	require.Equal(t, "reflecting", r.FailedState)
	require.Empty(t, r.Answer)
	require.Len(t, r.Messages, 2)
	require.Equal(t, []string{"generating", "reflecting"}, r.States)
	require.Contains(t, r.Error, "boom")
}

func TestRunCommand_EndToEnd(t *testing.T) {
	clearEnv(t)

	var (
		mu    sync.Mutex
		calls int
		paths []string
		auths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		paths = append(paths, r.URL.Path)
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{"role": "assistant", "content": fmt.Sprintf("reply %d", n)},
			}},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"run", "Write", "a", "post",
		"--api-key", "sk-test",
		"--base-url", srv.URL,
		"--max-messages", "2",
		"--format", "json",
	})
	require.NoError(t, rootCmd.Execute())

	var got report
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, "Write a post", got.Instruction)
	require.Equal(t, []string{"generating", "reflecting", "generating", "done"}, got.States)
	require.Len(t, got.Messages, 4)
	require.Equal(t, domain.RoleUser, got.Messages[2].Role)
	require.Equal(t, "reply 3", got.Answer)
	require.Equal(t, 3, calls)
	for i := range paths {
		require.Equal(t, "/v1/chat/completions", paths[i])
		require.Equal(t, "Bearer sk-test", auths[i])
	}
}

func TestGraphCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"graph"})
	require.NoError(t, rootCmd.Execute())
	require.True(t, strings.HasPrefix(out.String(), "flowchart TD\n"))
	require.Contains(t, out.String(), "reflect --> generate")
}
