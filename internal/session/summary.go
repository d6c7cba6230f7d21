package session

import (
	"context"
	"strings"

	"crewhub/internal/domain"
	"crewhub/internal/llm"
)

const summarySystemPrompt = `You are a conversation memory manager. Your ONLY job is to produce a concise, factual summary of what happened in this crew run.

RULES:
- Summarize in 150-250 words max.
- Include: the user's objective, key decisions/findings, the final deliverable type, any important constraints or follow-up items.
- Do NOT include meta-commentary, workflow instructions, or tool calls.
- Do NOT include the full content of the deliverable, just what it covers.
- Write in past tense ("The team produced...", "The user asked for...").
- This summary will be used as context for follow-up requests in the same conversation, so focus on facts that would help a new crew continue the work.`

// summarizeRun generates and stores the rolling run summary. Best effort: a
// failure here never fails the run.
func (s *Session) summarizeRun(ctx context.Context, objective, finalOutput string, memoryAgent *domain.Agent) {
	agent := domain.Agent{Name: "Memory", Role: "Conversation memory manager"}
	if memoryAgent != nil {
		agent = *memoryAgent
	}
	client := s.deps.ClientFor(agent)
	if client == nil {
		return
	}

	digest := s.transcriptDigest(ctx)
	output := finalOutput
	if len(output) > 1500 {
		output = output[:1500]
	}
	user := "## User's Objective\n" + objective +
		"\n\n## Conversation Messages\n" + digest +
		"\n\n## Final Output (first 1500 chars)\n" + output +
		"\n\nProduce a concise run summary."

	summary, err := client.Complete(ctx, []llm.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: user},
	}, llm.Options{Model: agent.Model, Temperature: 0.3})
	if err != nil {
		s.logger.Warn("run summary generation failed: %v", err)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}
	if err := s.deps.Store.SetConversationSummary(ctx, s.conversationID, summary); err != nil {
		s.logger.Warn("persist run summary: %v", err)
		return
	}
	s.logger.Info("persisted run summary for %s (%d chars)", s.conversationID, len(summary))
}

// transcriptDigest lines up the recent substantive transcript entries,
// truncated per message, as summarization input.
func (s *Session) transcriptDigest(ctx context.Context) string {
	conv, err := s.deps.Store.GetConversation(ctx, s.conversationID)
	if err != nil {
		return ""
	}
	msgs := conv.Messages
	if len(msgs) > 20 {
		msgs = msgs[len(msgs)-20:]
	}
	var lines []string
	for _, m := range msgs {
		if m.Content == "" || m.Type.Ephemeral() {
			continue
		}
		content := m.Content
		if len(content) > 500 {
			content = content[:500]
		}
		lines = append(lines, "["+m.Sender+"]: "+content)
	}
	if len(lines) > 15 {
		lines = lines[len(lines)-15:]
	}
	return strings.Join(lines, "\n")
}
