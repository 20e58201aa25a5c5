// Package replay rebuilds the request behind a recorded span and sends it
// through the gateway again.
package replay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spanline/gateway/internal/providers"
	"github.com/spanline/gateway/internal/trace"
)

var promptRoles = map[string]string{
	providers.RoleSystem:    providers.RoleSystem,
	providers.RoleUser:      providers.RoleUser,
	providers.RoleAssistant: providers.RoleAssistant,
}

// ParsePrompt splits rendered prompt text back into messages. A line
// starting with a known role name and a colon opens a new message; other
// lines continue the current one. Text before the first tag, or text with
// no tags at all, is a user message.
func ParsePrompt(prompt string) []providers.Message {
	var (
		messages []providers.Message
		role     string
		lines    []string
	)
	flush := func() {
		if role == "" && len(lines) == 0 {
			return
		}
		content := strings.TrimRight(strings.Join(lines, "\n"), "\n")
		if role == "" {
			if strings.TrimSpace(content) == "" {
				return
			}
			role = providers.RoleUser
		}
		messages = append(messages, providers.Message{Role: role, Content: content})
	}

	for _, line := range strings.Split(strings.ReplaceAll(prompt, "\r\n", "\n"), "\n") {
		if tag, rest, ok := roleTag(line); ok {
			flush()
			role, lines = tag, []string{rest}
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return messages
}

func roleTag(line string) (string, string, bool) {
	name, rest, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	role, ok := promptRoles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", "", false
	}
	return role, strings.TrimPrefix(rest, " "), true
}

// BuildRequest reconstructs the canonical request for span, preferring the
// stored snapshot over re-parsing the prompt text.
func BuildRequest(span *trace.Span) (*providers.ChatRequest, error) {
	if span == nil {
		return nil, fmt.Errorf("%w: span is required", providers.ErrInvalidRequest)
	}

	var req *providers.ChatRequest
	if snapshot := strings.TrimSpace(span.RequestSnapshot); snapshot != "" {
		req = &providers.ChatRequest{}
		if err := json.Unmarshal([]byte(snapshot), req); err != nil {
			return nil, fmt.Errorf("decode request snapshot for span %q: %w", span.ID, err)
		}
	} else {
		req = &providers.ChatRequest{
			Model:    span.Model,
			Messages: ParsePrompt(span.Prompt),
			Stream:   span.Streaming,
		}
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("rebuild request for span %q: %w", span.ID, err)
	}
	return req, nil
}

// withPrompt returns a copy of req whose messages come from prompt.
func withPrompt(req *providers.ChatRequest, prompt string) (*providers.ChatRequest, error) {
	next := *req
	next.Messages = ParsePrompt(prompt)
	next.Raw = nil
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}
