// Package executor turns an assembled plan into a running pipeline against
// the execution engine, consuming its raw narration and re-emitting a
// normalized, structured event stream.
package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"crewhub/internal/async"
	"crewhub/internal/domain"
	"crewhub/internal/llm"
	"crewhub/internal/logging"
	"crewhub/internal/mcp"
	"crewhub/internal/metrics"
)

// Options carries per-invocation collaborators for Execute.
type Options struct {
	// CrewName labels the run_started event.
	CrewName string
	// ClientFor binds a language-model client to each agent.
	ClientFor func(agent domain.Agent) llm.Client
	// Tools are attached to every agent (external tool-protocol servers).
	Tools []mcp.Tool
}

// Executor drives one engine invocation and normalizes its output.
type Executor struct {
	engine  Engine
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New constructs an Executor on top of the given engine.
func New(engine Engine, m *metrics.Metrics, logger logging.Logger) *Executor {
	return &Executor{engine: engine, metrics: m, logger: logging.OrNop(logger)}
}

// Execute runs the plan asynchronously and returns the event stream. The
// channel is closed after exactly one terminal event (complete or error).
// The caller is never blocked beyond event availability.
func (x *Executor) Execute(ctx context.Context, plan *domain.Plan, inputs map[string]any, opts Options) <-chan StreamEvent {
	events := make(chan StreamEvent, 64)

	async.Go(x.logger, "executor.run", func() {
		defer close(events)
		x.run(ctx, plan, inputs, opts, events)
	})

	return events
}

func (x *Executor) run(ctx context.Context, plan *domain.Plan, inputs map[string]any, opts Options, events chan<- StreamEvent) {
	started := time.Now()
	x.metrics.IncActiveRuns()
	defer x.metrics.DecActiveRuns()

	events <- runStartedEvent(opts.CrewName, inputs)

	// Announce the visible roster before any narration arrives.
	if visible := plan.VisibleAgents(); len(visible) > 0 {
		names := make([]string, 0, len(visible))
		for _, a := range visible {
			names = append(names, a.DisplayName())
		}
		events <- agentEvent(domain.MessageTypeSystem, domain.SenderSystem,
			"Crew assembled: "+strings.Join(names, ", "))
	}

	crew := x.materialize(plan, opts)

	lines := make(chan string, 256)
	writer := newLineWriter(lines)
	type kickoffResult struct {
		output string
		err    error
	}
	done := make(chan kickoffResult, 1)

	// The engine call blocks, so it runs on its own worker while this
	// goroutine stays free to drain narration as it arrives.
	async.Go(x.logger, "executor.kickoff", func() {
		output, err := x.engine.Kickoff(ctx, crew, inputs, writer)
		writer.Flush()
		close(lines)
		done <- kickoffResult{output: output, err: err}
	})

	parser := newNarrationParser(plan)
	for line := range lines {
		for _, ev := range parser.Feed(line) {
			events <- ev
		}
	}
	for _, ev := range parser.Flush() {
		events <- ev
	}

	result := <-done
	if result.err != nil {
		x.logger.Warn("engine kickoff failed: %v", result.err)
		x.metrics.ObserveRunDuration("error", time.Since(started))
		x.metrics.IncRunFailure("execution")
		events <- errorEvent(result.err.Error())
		return
	}
	x.metrics.ObserveRunDuration("complete", time.Since(started))
	events <- completeEvent(result.output)
}

// materialize builds one engine agent per plan agent, binding tools and the
// model client, and passes tasks through with their context chains intact.
func (x *Executor) materialize(plan *domain.Plan, opts Options) CrewSpec {
	agents := make([]AgentSpec, 0, len(plan.Agents))
	for _, a := range plan.Agents {
		spec := AgentSpec{Agent: a, Tools: opts.Tools}
		if opts.ClientFor != nil {
			spec.Client = opts.ClientFor(a)
		}
		agents = append(agents, spec)
	}
	return CrewSpec{
		Name:    opts.CrewName,
		Agents:  agents,
		Tasks:   plan.Tasks,
		Process: plan.Process,
	}
}

// lineWriter adapts the engine's io.Writer narration into a line channel.
// Writes may arrive from the engine's worker goroutine, so buffering is
// locked.
type lineWriter struct {
	mu    sync.Mutex
	buf   strings.Builder
	lines chan<- string
}

func newLineWriter(lines chan<- string) *lineWriter {
	return &lineWriter{lines: lines}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		s := w.buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		w.lines <- s[:idx]
		w.buf.Reset()
		w.buf.WriteString(s[idx+1:])
	}
	return len(p), nil
}

// Flush pushes any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.lines <- w.buf.String()
		w.buf.Reset()
	}
}
