// Package translator maps OpenAI-style chat requests into the upstream
// chat service's request shape: logical model names become upstream
// routing keys and the message history is flattened into the prompt and
// transcript fields the upstream expects.
package translator

import (
	"fmt"
	"strings"

	"github.com/pinemoor/chatrelay/internal/domain"
	"github.com/pinemoor/chatrelay/internal/upstream"
)

// modelRoutes maps the model identifiers the relay advertises to the
// routing keys the upstream understands.
var modelRoutes = map[string]string{
	"anthropic-sonnet-4": "sonnet-4",
	"anthropic-opus-4":   "opus-4",
	"anthropic-haiku-3":  "haiku-3",
	"anthropic-sonnet":   "sonnet-4",
	"anthropic-default":  "sonnet-4",
}

// SupportedModels lists the model identifiers accepted by BuildUpstreamRequest.
func SupportedModels() []domain.Model {
	ids := []string{
		"anthropic-sonnet-4",
		"anthropic-opus-4",
		"anthropic-haiku-3",
	}
	models := make([]domain.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, domain.Model{ID: id, Object: "model", OwnedBy: "chatrelay"})
	}
	return models
}

// BuildUpstreamRequest converts a validated chat request into the upstream
// request body. Pure: no I/O, no shared state.
//
// System messages are folded into a preamble. Everything before the final
// user message becomes the transcript; the final user message rides in the
// prompt field, matching the upstream's prompt+history contract.
func BuildUpstreamRequest(req domain.ChatRequest) (*upstream.RequestBody, error) {
	if len(req.Messages) == 0 {
		return nil, domain.ErrInvalidRequest
	}

	route, ok := modelRoutes[req.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedModel, req.Model)
	}

	var preamble []string
	var turns []domain.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			preamble = append(preamble, m.Content)
			continue
		}
		turns = append(turns, m)
	}

	prompt := ""
	if n := len(turns); n > 0 && turns[n-1].Role == "user" {
		prompt = turns[n-1].Content
		turns = turns[:n-1]
	}

	var history strings.Builder
	for i, m := range turns {
		if i > 0 {
			history.WriteString("\n\n")
		}
		history.WriteString(roleLabel(m.Role))
		history.WriteString(": ")
		history.WriteString(m.Content)
	}

	return &upstream.RequestBody{
		Model:    route,
		Prompt:   prompt,
		Preamble: strings.Join(preamble, "\n\n"),
		History:  history.String(),
	}, nil
}

func roleLabel(role string) string {
	switch role {
	case "assistant":
		return "Assistant"
	case "user":
		return "Human"
	case "":
		return "Human"
	default:
		return strings.ToUpper(role[:1]) + role[1:]
	}
}
