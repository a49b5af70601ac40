package orchestrator

import (
	"context"
	"errors"
	"strings"
)

// EchoHandler replies with the request text.
type EchoHandler struct{}

func (EchoHandler) Name() string        { return "echo" }
func (EchoHandler) Description() string { return "repeats the input" }

func (EchoHandler) Handle(_ context.Context, req Request) (Response, error) {
	return Response{Content: req.Text, Handler: "echo", Final: true}, nil
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, req Request) (Response, error)
}

// NewHandlerFunc names fn as a Handler.
func NewHandlerFunc(name string, fn func(ctx context.Context, req Request) (Response, error)) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string { return h.name }

func (h *HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return h.fn(ctx, req)
}

// DefaultReplies are the canned answers LocalResponder gives per intent.
var DefaultReplies = map[string]string{
	"greeting":       "Hi! How can I help you today?",
	"thanks":         "You're welcome!",
	"goodbye":        "Goodbye, talk soon.",
	"acknowledgment": "Got it.",
}

// LocalResponder answers social intents without a model call. Other
// intents pass through unchanged.
type LocalResponder struct {
	Replies map[string]string
}

func (LocalResponder) Name() string        { return "local" }
func (LocalResponder) Description() string { return "canned replies for social intents" }

func (l LocalResponder) Handle(_ context.Context, req Request) (Response, error) {
	replies := l.Replies
	if replies == nil {
		replies = DefaultReplies
	}
	if reply, ok := replies[req.Intent]; ok {
		return Response{Content: reply, Final: true, Data: map[string]any{"source": "local"}}, nil
	}
	return Response{Content: req.Text}, nil
}

// Responder is the language-model collaborator.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

// ResponderFunc adapts a function into a Responder.
type ResponderFunc func(ctx context.Context, prompt string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ErrEmptyReply is returned when the responder produces nothing.
var ErrEmptyReply = errors.New("responder returned an empty reply")

// ResponderHandler builds a prompt from the request and asks a Responder.
type ResponderHandler struct {
	Responder Responder
}

func (ResponderHandler) Name() string        { return "responder" }
func (ResponderHandler) Description() string { return "answers through the language model" }

func (h ResponderHandler) Handle(ctx context.Context, req Request) (Response, error) {
	if h.Responder == nil {
		return Response{Content: req.Text, Final: true}, nil
	}
	reply, err := h.Responder.Respond(ctx, BuildPrompt(req))
	if err != nil {
		return Response{}, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Response{}, ErrEmptyReply
	}
	return Response{Content: reply, Final: true, Data: map[string]any{"source": "responder"}}, nil
}

// BuildPrompt renders the conversation context followed by the user's text.
func BuildPrompt(req Request) string {
	var b strings.Builder
	if req.Context != "" {
		b.WriteString(req.Context)
		if !strings.HasSuffix(req.Context, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if req.Intent != "" {
		b.WriteString("[INTENT] ")
		b.WriteString(req.Intent)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(req.Text)
	return b.String()
}
