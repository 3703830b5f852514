package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Desarso/chatstream/models"
	"google.golang.org/genai"
)

// Responder produces the assistant reply to a conversation as a stream of
// text increments. The text channel is closed when the reply is complete;
// at most one error is sent.
type Responder interface {
	Respond(ctx context.Context, history []models.Message) (<-chan string, <-chan error)
}

// EchoResponder replies "You said: <last user message>" one word at a time.
type EchoResponder struct {
	Delay time.Duration
}

func (r EchoResponder) Respond(ctx context.Context, history []models.Message) (<-chan string, <-chan error) {
	out := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var last string
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == models.RoleUser {
				last = history[i].Content
				break
			}
		}
		if last == "" {
			errCh <- errors.New("no user message to answer")
			return
		}

		words := strings.Fields("You said: " + last)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if r.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.Delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- w:
			}
		}
	}()

	return out, errCh
}

// GeminiResponder streams replies from a Gemini model. The API key is read
// from the environment by the genai client.
type GeminiResponder struct {
	client *genai.Client
	model  string
}

func NewGeminiResponder(ctx context.Context, model string) (*GeminiResponder, error) {
	client, err := genai.NewClient(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiResponder{client: client, model: model}, nil
}

func (r *GeminiResponder) Respond(ctx context.Context, history []models.Message) (<-chan string, <-chan error) {
	out := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		contents := toGeminiContents(history)
		if len(contents) == 0 {
			errCh <- errors.New("no history to answer")
			return
		}

		for resp, err := range r.client.Models.GenerateContentStream(ctx, r.model, contents, nil) {
			if err != nil {
				errCh <- fmt.Errorf("gemini stream: %w", err)
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case out <- part.Text:
				}
			}
		}
	}()

	return out, errCh
}

func toGeminiContents(history []models.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		var role genai.Role = genai.RoleUser
		if m.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}
