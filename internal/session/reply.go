package session

import (
	"context"
	"strings"

	"crewhub/internal/domain"
	"crewhub/internal/id"
	"crewhub/internal/llm"
)

// fallbackReply is sent when the reply model call fails.
const fallbackReply = "I hear you — let me factor that in."

// replyHistoryDepth is how many transcript entries ground a quick reply.
const replyHistoryDepth = 12

// quickReply answers a mid-run user message in character, without touching
// the task graph: the mentioned agent replies, or the lead agent by default.
func (s *Session) quickReply(ctx context.Context, userMessage string) {
	s.mu.Lock()
	crew := s.crew
	lead := s.lead
	s.mu.Unlock()

	responder := findMentionedAgent(crew, userMessage)
	if responder == nil {
		responder = lead
	}
	if responder == nil {
		return
	}

	name := responder.DisplayName()
	reply := s.generateReply(ctx, *responder, userMessage)

	s.send(Outbound{
		Type:      OutAgentMessage,
		Sender:    name,
		Content:   reply,
		IsReply:   true,
		Timestamp: now(),
	})
	if err := s.deps.Store.AppendMessage(ctx, s.conversationID, domain.Message{
		Key:       id.MessageKey(),
		Sender:    name,
		Type:      domain.MessageTypeMessage,
		Content:   reply,
		Metadata:  map[string]any{"isReply": true},
		Timestamp: now(),
	}); err != nil {
		s.logger.Warn("persist quick reply: %v", err)
	}
}

// findMentionedAgent scans the message for agent names and roles. Substring
// matches count; the longest match wins as the most specific; labels under
// three characters never match.
func findMentionedAgent(crew []domain.Agent, message string) *domain.Agent {
	lower := strings.ToLower(message)
	var best *domain.Agent
	bestLen := 0
	for i := range crew {
		for _, candidate := range []string{crew[i].Name, crew[i].Role} {
			candidate = strings.TrimSpace(candidate)
			if len(candidate) < 3 {
				continue
			}
			if strings.Contains(lower, strings.ToLower(candidate)) && len(candidate) > bestLen {
				best = &crew[i]
				bestLen = len(candidate)
			}
		}
	}
	return best
}

func (s *Session) generateReply(ctx context.Context, agent domain.Agent, userMessage string) string {
	client := s.deps.ClientFor(agent)
	if client == nil {
		return fallbackReply
	}

	system := "You are " + agent.DisplayName() + " (" + agent.Role + "). " + agent.Backstory + "\n\n" +
		"You are in a team chat with a user. You and your team have been working " +
		"together on tasks in this conversation. The user has just sent a message.\n\n" +
		"CRITICAL RULES FOR THIS REPLY:\n" +
		"- This is a CHAT MESSAGE, not a task. Keep it SHORT, 2-4 sentences max.\n" +
		"- If the user asks about previous work, answer from the conversation context.\n" +
		"- If the user asks a NEW question on a different topic, answer it directly and helpfully.\n" +
		"- Do NOT write a full guide, tutorial, or report.\n" +
		"- Do NOT ask follow-up questions unless absolutely essential.\n" +
		"- Think of this like a quick chat reply, not a document."

	messages := []llm.Message{{Role: "system", Content: system}}
	for _, m := range s.recentTranscript(ctx) {
		content := m.Content
		if len(content) > 800 {
			content = content[:800]
		}
		if m.Sender == domain.SenderUser {
			messages = append(messages, llm.Message{Role: "user", Content: content})
			continue
		}
		if m.Sender != agent.DisplayName() {
			content = "[" + m.Sender + "] " + content
		}
		messages = append(messages, llm.Message{Role: "assistant", Content: content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})

	reply, err := client.Complete(ctx, messages, llm.Options{Model: agent.Model, Temperature: 0.7})
	if err != nil {
		s.logger.Warn("quick reply generation failed (%s): %v", agent.DisplayName(), err)
		return fallbackReply
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		return fallbackReply
	}
	return reply
}

func (s *Session) recentTranscript(ctx context.Context) []domain.Message {
	conv, err := s.deps.Store.GetConversation(ctx, s.conversationID)
	if err != nil {
		return nil
	}
	msgs := conv.Messages
	if len(msgs) > replyHistoryDepth {
		msgs = msgs[len(msgs)-replyHistoryDepth:]
	}
	return msgs
}
