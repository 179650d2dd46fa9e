package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/edaswarm/orchestrator/internal/domain"
	"github.com/edaswarm/orchestrator/internal/llm"
)

// ModelProxy drives agent decisions through a chat completion endpoint.
// Transient API failures are retried with exponential backoff; a completion
// that is not a valid action envelope is treated as a plain text message
// rather than rejected.
type ModelProxy struct {
	client  llm.ChatClient
	retries int
	backoff time.Duration
}

var _ Proxy = (*ModelProxy)(nil)

// NewModelProxy creates a model-backed proxy.
func NewModelProxy(client llm.ChatClient, retries int, backoff time.Duration) *ModelProxy {
	if retries < 1 {
		retries = 1
	}
	return &ModelProxy{client: client, retries: retries, backoff: backoff}
}

// Decide requests the next action for the agent identity.
func (p *ModelProxy) Decide(ctx context.Context, identity string, run *domain.Run, events []domain.Event) (domain.Action, error) {
	req := &llm.ChatCompletionRequest{
		Model:    run.Config.Model,
		Messages: buildMessages(identity, run, events),
	}

	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			wait := p.backoff * time.Duration(1<<(attempt-1))
			log.Printf("WARN: completion attempt %d for agent %s failed, retrying in %s: %v",
				attempt, identity, wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return domain.Action{}, ctx.Err()
			}
		}

		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Action{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
			lastErr = fmt.Errorf("completion returned no choices")
			continue
		}
		return parseAction(resp.Choices[0].Message.Content), nil
	}

	return domain.Action{}, fmt.Errorf("completion failed after %d attempts: %w", p.retries, lastErr)
}

// parseAction decodes the model's action envelope. Anything that is not a
// well-formed envelope becomes a message action carrying the raw text.
func parseAction(content string) domain.Action {
	trimmed := strings.TrimSpace(content)
	trimmed = stripCodeFence(trimmed)

	var action domain.Action
	if err := json.Unmarshal([]byte(trimmed), &action); err == nil {
		switch action.Type {
		case domain.ActionMessage:
			if action.Text != "" {
				return action
			}
		case domain.ActionToolCall:
			if action.ToolName != "" {
				return action
			}
		case domain.ActionHandoff:
			if action.Target != "" {
				return action
			}
		case domain.ActionAskHuman:
			if action.Prompt != "" {
				return action
			}
		case domain.ActionTerminate:
			return action
		}
	}
	return domain.Action{Type: domain.ActionMessage, Text: content}
}

// stripCodeFence removes a surrounding markdown code fence, if present.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func buildMessages(identity string, run *domain.Run, events []domain.Event) []llm.ChatMessage {
	messages := []llm.ChatMessage{
		{Role: "system", Content: systemPrompt(identity, run)},
		{Role: "user", Content: "Task: " + run.Config.Task},
	}

	for _, ev := range events {
		msg, ok := eventMessage(identity, ev)
		if ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

func eventMessage(identity string, ev domain.Event) (llm.ChatMessage, bool) {
	switch ev.Type {
	case domain.EventTypeTextMessage:
		var p domain.TextMessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return llm.ChatMessage{}, false
		}
		if ev.Agent == identity {
			return llm.ChatMessage{Role: "assistant", Content: p.Text}, true
		}
		return llm.ChatMessage{Role: "user", Name: ev.Agent, Content: fmt.Sprintf("[%s] %s", ev.Agent, p.Text)}, true

	case domain.EventTypeToolResult:
		var p domain.ToolResultPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return llm.ChatMessage{}, false
		}
		if p.OK() {
			return llm.ChatMessage{Role: "user", Content: fmt.Sprintf("Tool result (%s): %s", p.CallID, string(p.Result))}, true
		}
		return llm.ChatMessage{Role: "user", Content: fmt.Sprintf("Tool error (%s) %s: %s", p.CallID, p.Error.Kind, p.Error.Message)}, true

	case domain.EventTypeHumanAnswer:
		var p domain.HumanAnswerPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return llm.ChatMessage{}, false
		}
		return llm.ChatMessage{Role: "user", Content: "Human answer: " + p.Content}, true

	case domain.EventTypeHandoff:
		var p domain.HandoffPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return llm.ChatMessage{}, false
		}
		return llm.ChatMessage{Role: "user", Content: fmt.Sprintf("[%s handed off to %s]", ev.Agent, p.To)}, true
	}
	return llm.ChatMessage{}, false
}

func systemPrompt(identity string, run *domain.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %q in a multi-agent data analysis team (%s).\n",
		identity, strings.Join(run.Config.Agents, ", "))
	b.WriteString(`Respond with exactly one JSON action envelope, no prose around it:
  {"type":"message","text":"..."}                       share findings with the team
  {"type":"tool_call","tool_name":"...","tool_args":{}} invoke a tool
  {"type":"handoff","target":"<agent>"}                 pass the turn to another agent
  {"type":"ask_human","prompt":"..."}                   ask the human operator
  {"type":"terminate"}                                  finish the run
Available tools: execute_code (args: {"code": "<python>"}; dataset at /mnt/data, write artifacts to /mnt/outputs), write_text_file (args: {"relative_filename","content"}), list_files, analyze_image (args: {"image_path","query"}; describes a chart you rendered under /mnt/outputs).
Hand off to target "done" when the analysis is complete.`)
	if !run.Config.Interactive {
		b.WriteString("\nThe run is non-interactive: never use ask_human.")
	}
	return b.String()
}
