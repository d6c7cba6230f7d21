package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"crewhub/internal/async"
	"crewhub/internal/domain"
	"crewhub/internal/errors"
	"crewhub/internal/executor"
	"crewhub/internal/id"
	"crewhub/internal/llm"
	"crewhub/internal/logging"
	"crewhub/internal/mcp"
	"crewhub/internal/metrics"
	"crewhub/internal/planner"
	"crewhub/internal/store"
)

// defaultQuestionTimeout bounds how long a pending question waits.
const defaultQuestionTimeout = 600 * time.Second

// Deps are the collaborators shared across sessions.
type Deps struct {
	Store         store.Store
	Oracle        *planner.Oracle
	OracleConfig  planner.OracleConfig
	Executor      *executor.Executor
	ClientFor     func(agent domain.Agent) llm.Client
	MemoryAgentID string
	MCPServers    []mcp.ServerConfig
	Metrics       *metrics.Metrics
	Logger        logging.Logger
	// QuestionTimeout overrides the 600s default, for tests.
	QuestionTimeout time.Duration
}

// Session is the per-connection state machine of one conversation.
type Session struct {
	conversationID string
	send           func(Outbound)
	deps           Deps
	logger         logging.Logger
	timeout        time.Duration

	mu        sync.Mutex
	pending   map[string]chan string
	running   bool
	runCancel context.CancelFunc
	lead      *domain.Agent
	crew      []domain.Agent
	closed    bool
}

// New binds a session to one conversation and one outbound sender. The sender
// must be safe for concurrent use.
func New(conversationID string, send func(Outbound), deps Deps) *Session {
	timeout := deps.QuestionTimeout
	if timeout <= 0 {
		timeout = defaultQuestionTimeout
	}
	return &Session{
		conversationID: conversationID,
		send:           send,
		deps:           deps,
		logger:         logging.OrNop(deps.Logger),
		timeout:        timeout,
		pending:        make(map[string]chan string),
	}
}

func now() time.Time { return time.Now().UTC() }

// Replay streams the persisted transcript to a freshly connected client.
// Ephemeral entries were live events, not conversation content, and are
// skipped.
func (s *Session) Replay(ctx context.Context) error {
	conv, err := s.deps.Store.GetConversation(ctx, s.conversationID)
	if err != nil {
		return err
	}
	for _, m := range conv.Messages {
		if m.Content == "" || m.Type.Ephemeral() {
			continue
		}
		out := Outbound{
			Type:      replayType(m),
			Sender:    m.Sender,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Replayed:  true,
		}
		if isReply, _ := m.Metadata["isReply"].(bool); isReply {
			out.IsReply = true
		}
		if out.Type == OutQuestion {
			out.Options = optionsFromMetadata(m.Metadata)
			if st, _ := m.Metadata["selectionType"].(string); st != "" {
				out.SelectionType = st
			}
		}
		s.send(out)
	}
	return nil
}

func replayType(m domain.Message) string {
	if m.Type == domain.MessageTypeMessage {
		if m.Sender == domain.SenderUser {
			return OutUserMessage
		}
		return OutAgentMessage
	}
	return string(m.Type)
}

func optionsFromMetadata(meta map[string]any) []Option {
	raw, ok := meta["options"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var opts []Option
	if err := json.Unmarshal(data, &opts); err != nil {
		return nil
	}
	return opts
}

// HandleInbound routes one client frame. Messages are always persisted first,
// then routed: pending question, in-flight run, or a fresh run.
func (s *Session) HandleInbound(ctx context.Context, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		s.send(Outbound{Type: OutError, Message: "Invalid JSON", Timestamp: now()})
		return
	}

	switch in.Type {
	case InboundPing:
		return
	case InboundUserMessage, InboundAnswer:
	default:
		return
	}

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return
	}

	msgType := domain.MessageTypeMessage
	if in.Type == InboundAnswer {
		msgType = domain.MessageTypeAnswer
	}
	if err := s.deps.Store.AppendMessage(ctx, s.conversationID, domain.Message{
		Key:       id.MessageKey(),
		Sender:    domain.SenderUser,
		Type:      msgType,
		Content:   content,
		Timestamp: now(),
	}); err != nil {
		s.logger.Warn("persist user message: %v", err)
	}

	if in.Type == InboundUserMessage {
		s.maybeSetTitle(ctx, content)
	}

	if s.resolveAnswer(in.QuestionID, content) {
		return
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if running {
		// At most one run is active per conversation; mid-run messages get a
		// quick in-character reply instead of queueing a second run.
		s.quickReply(ctx, content)
		return
	}

	s.startRun(content)
}

// maybeSetTitle derives the title from the first real message.
func (s *Session) maybeSetTitle(ctx context.Context, content string) {
	conv, err := s.deps.Store.GetConversation(ctx, s.conversationID)
	if err != nil {
		return
	}
	if conv.Title != "" && conv.Title != "New Conversation" {
		return
	}
	title := content
	if runes := []rune(title); len(runes) > 80 {
		title = string(runes[:80]) + "…"
	}
	if err := s.deps.Store.SetConversationTitle(ctx, s.conversationID, title); err != nil {
		s.logger.Warn("set conversation title: %v", err)
	}
}

// resolveAnswer delivers an answer to a pending question. A matching id wins;
// otherwise a sole outstanding question takes any inbound message as its
// answer. Reports whether the message was consumed.
func (s *Session) resolveAnswer(questionID, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return false
	}
	if ch, ok := s.pending[questionID]; ok {
		delete(s.pending, questionID)
		ch <- content
		return true
	}
	if len(s.pending) == 1 {
		for qid, ch := range s.pending {
			delete(s.pending, qid)
			ch <- content
			return true
		}
	}
	s.logger.Warn("answer without question id while %d questions pending", len(s.pending))
	return true
}

// errQuestionTimeout marks an unanswered question.
var errQuestionTimeout = errors.New(errors.KindTimeout, "timed out waiting for answer")

// ask sends a question, persists it, and suspends until the user answers,
// the timeout elapses, or the session shuts down.
func (s *Session) ask(ctx context.Context, content string, options []Option, selectionType string) (string, error) {
	qid := id.NewQuestionID()
	ch := make(chan string, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New(errors.KindExecution, "session closed")
	}
	s.pending[qid] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, qid)
		s.mu.Unlock()
	}()

	s.send(Outbound{
		Type:          OutQuestion,
		Sender:        domain.SenderSystem,
		Content:       content,
		QuestionID:    qid,
		Options:       options,
		SelectionType: selectionType,
		Timestamp:     now(),
	})

	meta := map[string]any{}
	if len(options) > 0 {
		meta["options"] = options
	}
	if selectionType != "" {
		meta["selectionType"] = selectionType
	}
	if err := s.deps.Store.AppendMessage(ctx, s.conversationID, domain.Message{
		Key:       id.MessageKey(),
		Sender:    domain.SenderSystem,
		Type:      domain.MessageTypeQuestion,
		Content:   content,
		Metadata:  meta,
		Timestamp: now(),
	}); err != nil {
		s.logger.Warn("persist question: %v", err)
	}
	if err := s.deps.Store.SetConversationStatus(ctx, s.conversationID, domain.ConversationAwaitingInput); err != nil {
		s.logger.Warn("set awaiting_input: %v", err)
	}

	select {
	case answer, ok := <-ch:
		if !ok {
			return "", errors.New(errors.KindExecution, "session closed")
		}
		if err := s.deps.Store.SetConversationStatus(ctx, s.conversationID, domain.ConversationActive); err != nil {
			s.logger.Warn("set active: %v", err)
		}
		return answer, nil
	case <-ctx.Done():
		return "", errors.Wrap(errors.KindExecution, ctx.Err(), "question cancelled")
	case <-time.After(s.timeout):
		s.deps.Metrics.IncQuestionTimeout()
		s.send(Outbound{Type: OutError, Message: "Timed out waiting for answer", Timestamp: now()})
		return "", errQuestionTimeout
	}
}

// startRun launches a crew run for the objective on its own goroutine.
func (s *Session) startRun(objective string) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running = true
	s.runCancel = cancel
	s.mu.Unlock()

	async.Go(s.logger, "session.run", func() {
		defer func() {
			cancel()
			s.mu.Lock()
			s.running = false
			s.runCancel = nil
			s.mu.Unlock()
		}()
		inputs := map[string]any{"objective": objective, "topic": objective}
		if err := s.runCrew(ctx, objective, inputs); err != nil {
			if ctx.Err() != nil {
				return // cancelled by disconnect, client is gone
			}
			s.logger.Error("crew run failed: %v", err)
			s.send(Outbound{Type: OutError, Message: "Something went wrong: " + err.Error(), Timestamp: now()})
			if serr := s.deps.Store.SetConversationStatus(ctx, s.conversationID, domain.ConversationActive); serr != nil {
				s.logger.Warn("reset conversation status: %v", serr)
			}
		}
	})
}

// Close cancels the in-flight run and releases every suspended question so
// nothing is left to time out silently.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.runCancel
	pending := s.pending
	s.pending = make(map[string]chan string)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range pending {
		close(ch)
	}
}
