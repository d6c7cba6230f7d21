package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"crewhub/internal/domain"
	"crewhub/internal/planner"
)

var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	boxRe  = regexp.MustCompile(`^[\s╭╮╰╯┌┐└┘─│┃┼═]+$`)
	pipeRe = regexp.MustCompile(`^[│┃|]\s*|\s*[│┃|]$`)
	// Chatter agents emit when they hallucinate tool calls. Never useful.
	noiseRe = regexp.MustCompile(`(?i)^(Calling\s+\w+|I don't have access to|I need to call|Let me (check|search|call))`)
)

const finalAnswerMarker = "Final Answer:"

// boundary markers end a captured Final Answer block.
func isBoundary(text string) bool {
	return strings.HasPrefix(text, "Task Completed") ||
		strings.HasPrefix(text, "Task Started") ||
		strings.HasPrefix(text, "Crew Execution") ||
		strings.HasPrefix(text, "╭") ||
		strings.HasPrefix(text, "╰")
}

// emittedBlockCap bounds the dedup cache; engines repeat blocks within one
// run, never across thousands of them.
const emittedBlockCap = 512

type taskInfo struct {
	name      string
	agentID   string
	synthetic bool
}

// narrationParser turns the engine's decorated text stream into structured
// events: it strips box drawing, tracks the current speaking agent, buffers
// Final Answer blocks, and deduplicates repeated blocks by content hash.
type narrationParser struct {
	names     *nameResolver
	lastAgent string
	capturing bool
	final     []string
	emitted   *lru.Cache[string, struct{}]
	taskIndex int
	tasks     []taskInfo
	nameByID  map[string]string
}

func newNarrationParser(plan *domain.Plan) *narrationParser {
	emitted, _ := lru.New[string, struct{}](emittedBlockCap)

	nameByID := make(map[string]string, len(plan.Agents))
	for _, a := range plan.Agents {
		nameByID[a.ID] = a.DisplayName()
	}
	// Every task consumes one "Task Started" marker so the index stays
	// aligned; synthetic entries are simply never announced.
	tasks := make([]taskInfo, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasks = append(tasks, taskInfo{name: t.Name, agentID: t.AgentID, synthetic: t.Synthetic})
	}

	return &narrationParser{
		names:    newNameResolver(plan),
		emitted:  emitted,
		tasks:    tasks,
		nameByID: nameByID,
	}
}

// Feed consumes one raw narration line and returns zero or more events.
func (p *narrationParser) Feed(line string) []StreamEvent {
	text := strings.TrimSpace(ansiRe.ReplaceAllString(line, ""))
	if text == "" {
		return nil
	}

	if idx := strings.Index(text, "Agent:"); idx >= 0 {
		if name := strings.TrimSpace(text[idx+len("Agent:"):]); name != "" {
			p.lastAgent = name
		}
	}

	if strings.Contains(text, "Task Started") {
		return p.stageEvent()
	}

	// The memory agent's lines still drive boundary tracking but are never
	// surfaced to the user.
	if p.names.isMemory(p.lastAgent) {
		p.trackSilently(text)
		return nil
	}

	if at := strings.Index(text, finalAnswerMarker); at >= 0 {
		p.capturing = true
		if after := strings.TrimSpace(text[at+len(finalAnswerMarker):]); after != "" {
			p.final = append(p.final, after)
		}
		return nil
	}

	if !p.capturing {
		return nil
	}

	if isBoundary(text) {
		p.capturing = false
		return p.emitFinal()
	}

	cleaned := strings.TrimSpace(pipeRe.ReplaceAllString(text, ""))
	if cleaned == "" || boxRe.MatchString(cleaned) || noiseRe.MatchString(cleaned) {
		return nil
	}
	p.final = append(p.final, cleaned)
	return nil
}

// Flush emits any residual captured block after the stream ends.
func (p *narrationParser) Flush() []StreamEvent {
	p.capturing = false
	return p.emitFinal()
}

// stageEvent announces the next real task as a thinking event, resolving the
// agent from the plan rather than from narration. Memory tasks are skipped
// entirely.
func (p *narrationParser) stageEvent() []StreamEvent {
	if p.taskIndex >= len(p.tasks) {
		return nil
	}
	info := p.tasks[p.taskIndex]
	p.taskIndex++
	if info.synthetic {
		return nil
	}

	agent := p.nameByID[info.agentID]
	if agent == "" {
		agent = p.names.resolve(p.lastAgent)
	}
	if p.names.isMemory(agent) {
		return nil
	}
	return []StreamEvent{agentEvent(domain.MessageTypeThinking, agent, "Working on: "+info.name)}
}

// trackSilently keeps capture state consistent across memory-agent output
// without emitting anything.
func (p *narrationParser) trackSilently(text string) {
	if strings.Contains(text, finalAnswerMarker) {
		p.capturing = true
		p.final = nil
		return
	}
	if p.capturing && isBoundary(text) {
		p.capturing = false
		p.final = nil
	}
}

func (p *narrationParser) emitFinal() []StreamEvent {
	if len(p.final) == 0 {
		return nil
	}
	content := strings.Join(p.final, "\n")
	p.final = nil

	sum := sha256.Sum256([]byte(content))
	key := hex.EncodeToString(sum[:])
	if _, dup := p.emitted.Get(key); dup {
		return nil
	}
	p.emitted.Add(key, struct{}{})

	return []StreamEvent{agentEvent(domain.MessageTypeMessage, p.names.resolve(p.lastAgent), content)}
}

// nameResolver maps narration-derived agent labels back to configured display
// names. Engines slugify role titles internally, so every known variant of
// id, name and role is indexed in normalized form.
type nameResolver struct {
	byVariant map[string]string
	memory    []string
}

func newNameResolver(plan *domain.Plan) *nameResolver {
	r := &nameResolver{byVariant: map[string]string{}}
	for _, a := range plan.Agents {
		display := a.DisplayName()
		variants := []string{a.ID, a.Name, a.Role, strings.TrimPrefix(a.ID, "agent-")}
		for _, v := range variants {
			norm := planner.Normalize(v)
			if norm == "" {
				continue
			}
			if _, taken := r.byVariant[norm]; !taken {
				r.byVariant[norm] = display
			}
			if a.ID == plan.MemoryAgentID {
				r.memory = append(r.memory, norm)
			}
		}
	}
	return r
}

// resolve maps a raw label to a display name, exact match first, substring
// second; unmatched labels pass through verbatim rather than being dropped.
func (r *nameResolver) resolve(raw string) string {
	if raw == "" {
		return "Agent"
	}
	norm := planner.Normalize(raw)
	if display, ok := r.byVariant[norm]; ok {
		return display
	}
	for variant, display := range r.byVariant {
		if strings.Contains(variant, norm) || strings.Contains(norm, variant) {
			return display
		}
	}
	return raw
}

func (r *nameResolver) isMemory(label string) bool {
	if label == "" || len(r.memory) == 0 {
		return false
	}
	norm := planner.Normalize(label)
	for _, m := range r.memory {
		if strings.Contains(norm, m) || strings.Contains(m, norm) {
			return true
		}
	}
	return false
}
