package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"refine-agent/internal/domain"
)

// ErrEmptyResponse is returned when the model answers with blank content.
var ErrEmptyResponse = errors.New("exchange: empty response from model")

// ChatClient is the model transport, e.g. *openai.Client.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []domain.Message) (string, error)
}

// Framed calls a ChatClient with a fixed system framing placed ahead of the
// history. Every call goes upstream; nothing is cached.
type Framed struct {
	name    string
	client  ChatClient
	model   string
	framing string
}

// NewFramed creates a responder. name only labels errors.
func NewFramed(name string, client ChatClient, model, framing string) (*Framed, error) {
	if client == nil {
		return nil, errors.New("exchange: chat client must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("exchange: model must not be empty")
	}
	if strings.TrimSpace(framing) == "" {
		return nil, errors.New("exchange: framing must not be empty")
	}
	return &Framed{
		name:    name,
		client:  client,
		model:   model,
		framing: framing,
	}, nil
}

// Pair builds the generation and reflection responders sharing one client.
func Pair(client ChatClient, model string, f Framings) (generator, reflector *Framed, err error) {
	f = f.WithDefaults()
	generator, err = NewFramed("generation", client, model, f.Generation)
	if err != nil {
		return nil, nil, err
	}
	reflector, err = NewFramed("reflection", client, model, f.Reflection)
	if err != nil {
		return nil, nil, err
	}
	return generator, reflector, nil
}

func (f *Framed) Respond(ctx context.Context, history []domain.Message) (domain.Message, error) {
	raw, err := f.client.Chat(ctx, f.model, f.messages(history))
	if err != nil {
		return domain.Message{}, fmt.Errorf("exchange: %s: %w", f.name, err)
	}
	content := strings.TrimSpace(raw)
	if content == "" {
		return domain.Message{}, fmt.Errorf("exchange: %s: %w", f.name, ErrEmptyResponse)
	}
	return domain.Message{Role: domain.RoleAssistant, Content: content}, nil
}

func (f *Framed) messages(history []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(history)+1)
	out = append(out, domain.Message{Role: domain.RoleSystem, Content: f.framing})
	return append(out, history...)
}
