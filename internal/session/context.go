package session

import (
	"context"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"crewhub/internal/domain"
)

const (
	// perMessageCharCap bounds one transcript entry in fallback context.
	perMessageCharCap = 2000
	// fallbackMessageCount is how many substantive messages are carried when
	// no run summary exists yet.
	fallbackMessageCount = 8
	// contextTokenBudget caps the whole carried context.
	contextTokenBudget = 2000
)

// buildContext assembles cross-run continuity context. A stored run summary
// wins: it covers everything up to the last completed run, so only user
// messages sent after that point are appended. Without a summary the last few
// substantive messages are carried verbatim.
func (s *Session) buildContext(ctx context.Context) string {
	conv, err := s.deps.Store.GetConversation(ctx, s.conversationID)
	if err != nil {
		s.logger.Warn("load conversation for context: %v", err)
		return ""
	}

	if conv.LastRunSummary != "" {
		parts := []string{"PREVIOUS RUN SUMMARY:\n" + conv.LastRunSummary}
		if recent := postCompletionUserMessages(conv.Messages); len(recent) > 0 {
			parts = append(parts, "RECENT USER MESSAGES:\n"+strings.Join(recent, "\n"))
		}
		return boundTokens(strings.Join(parts, "\n\n"))
	}

	var significant []string
	for _, m := range conv.Messages {
		if m.Content == "" || m.Type.Ephemeral() || m.Type == domain.MessageTypeQuestion {
			continue
		}
		if m.Sender != domain.SenderUser && m.Type != domain.MessageTypeMessage {
			continue
		}
		content := m.Content
		if len(content) > perMessageCharCap {
			content = content[:perMessageCharCap] + "\n... [truncated]"
		}
		significant = append(significant, "["+m.Sender+"]: "+content)
	}
	if len(significant) == 0 {
		return ""
	}
	if len(significant) > fallbackMessageCount {
		significant = significant[len(significant)-fallbackMessageCount:]
	}
	return boundTokens(strings.Join(significant, "\n\n"))
}

// postCompletionUserMessages walks backward to the most recent run-completion
// marker and returns the user messages sent after it, in order. These are the
// follow-up requests the summary has not seen yet.
func postCompletionUserMessages(messages []domain.Message) []string {
	var recent []string
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Type == domain.MessageTypeSystem && strings.Contains(m.Content, "Run completed") {
			break
		}
		if m.Sender == domain.SenderUser && m.Content != "" {
			recent = append(recent, "[user]: "+m.Content)
		}
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent
}

// boundTokens trims the context to the token budget, cutting from the front
// so the most recent material survives.
func boundTokens(text string) string {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// No encoder available; fall back to a generous character bound.
		if len(text) > contextTokenBudget*4 {
			return text[len(text)-contextTokenBudget*4:]
		}
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= contextTokenBudget {
		return text
	}
	return enc.Decode(tokens[len(tokens)-contextTokenBudget:])
}
