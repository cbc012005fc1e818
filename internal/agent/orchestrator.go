package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/phishgraph/phishgraph/internal/graph"
	"github.com/phishgraph/phishgraph/internal/telemetry"
)

// State is the terminal state of an investigation.
type State string

const (
	StateDone            State = "done"
	StateError           State = "error"
	StateHopLimitReached State = "hop_limit_reached"
)

// DefaultMaxHops bounds the number of reasoner calls per investigation.
const DefaultMaxHops = 8

// DefaultToolTimeout bounds a single tool call so one stuck query cannot
// consume the whole investigation budget.
const DefaultToolTimeout = 30 * time.Second

// foldLimit is the maximum folded size of one tool result in characters.
// Past it, result data is truncated before entering the conversation.
const foldLimit = 15000

// foldMaxRows is how many rows survive a fold truncation.
const foldMaxRows = 10

// Request describes one investigation.
type Request struct {
	SubjectID string // message id of the email under investigation
	Question  string
	MaxHops   int // 0 = orchestrator default
}

// ToolResult is one executed tool call, recorded in issuance order.
type ToolResult struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Output    graph.Result    `json:"output"`
	Timestamp time.Time       `json:"timestamp"`
}

// Outcome is the result of a completed investigation.
type Outcome struct {
	State      State        `json:"state"`
	Answer     string       `json:"answer"`
	Trace      []ToolResult `json:"trace"`
	TokensUsed int          `json:"tokens_used"`
	Hops       int          `json:"hops"`
}

// Orchestrator drives the bounded hop loop: ask the model, execute the tools
// it requests, fold results back into the conversation, repeat.
type Orchestrator struct {
	reasoner    Reasoner
	tools       *Registry
	logger      *slog.Logger
	maxHops     int
	toolTimeout time.Duration

	hopCounter   otelmetric.Int64Counter
	tokenCounter otelmetric.Int64Counter
	toolDuration otelmetric.Float64Histogram
}

// OrchestratorConfig configures an Orchestrator. Zero values fall back to
// the package defaults.
type OrchestratorConfig struct {
	MaxHops     int
	ToolTimeout time.Duration
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(reasoner Reasoner, tools *Registry, logger *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}

	o := &Orchestrator{
		reasoner:    reasoner,
		tools:       tools,
		logger:      logger,
		maxHops:     cfg.MaxHops,
		toolTimeout: cfg.ToolTimeout,
	}

	// Metrics are best-effort; instrument creation errors leave them nil.
	meter := telemetry.Meter("phishgraph/agent")
	o.hopCounter, _ = meter.Int64Counter("phishgraph.agent.hops")
	o.tokenCounter, _ = meter.Int64Counter("phishgraph.agent.tokens")
	o.toolDuration, _ = meter.Float64Histogram("phishgraph.agent.tool_duration",
		otelmetric.WithUnit("ms"))

	return o
}

// Run executes an investigation without streaming.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	return o.RunWithEvents(ctx, req, nil)
}

// RunWithEvents executes an investigation, emitting progress events. The
// returned Outcome is always populated, including on error, so callers can
// persist the partial trace.
func (o *Orchestrator) RunWithEvents(ctx context.Context, req Request, emit EmitFunc) (Outcome, error) {
	maxHops := req.MaxHops
	if maxHops <= 0 {
		maxHops = o.maxHops
	}

	turns := []Turn{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Subject email message id: %s\n\nQuestion: %s", req.SubjectID, req.Question)},
	}
	specs := o.tools.Specs()

	outcome := Outcome{Trace: []ToolResult{}}
	lastContent := ""

	for hop := 1; hop <= maxHops; hop++ {
		if err := ctx.Err(); err != nil {
			outcome.State = StateError
			emit.emit(Event{Type: EventError, Hop: hop, Content: "investigation cancelled"})
			return outcome, fmt.Errorf("agent: investigation cancelled: %w", err)
		}

		emit.emit(Event{Type: EventThinking, Hop: hop})

		reply, err := o.reasoner.Complete(ctx, turns, specs)
		if err != nil {
			outcome.State = StateError
			outcome.Hops = hop
			emit.emit(Event{Type: EventError, Hop: hop, Content: err.Error()})
			return outcome, fmt.Errorf("agent: hop %d: %w", hop, err)
		}

		outcome.Hops = hop
		outcome.TokensUsed += reply.Usage.TotalTokens
		if o.hopCounter != nil {
			o.hopCounter.Add(ctx, 1)
		}
		if o.tokenCounter != nil {
			o.tokenCounter.Add(ctx, int64(reply.Usage.TotalTokens))
		}

		if len(reply.ToolCalls) == 0 {
			outcome.State = StateDone
			outcome.Answer = reply.Content
			emit.emit(Event{Type: EventAnswer, Hop: hop, Content: reply.Content})
			emit.emit(Event{Type: EventDone, Hop: hop, State: StateDone})
			o.logger.Info("agent: investigation done",
				"subject", req.SubjectID, "hops", hop, "tokens", outcome.TokensUsed)
			return outcome, nil
		}

		if reply.Content != "" {
			lastContent = reply.Content
			emit.emit(Event{Type: EventThinking, Hop: hop, Content: reply.Content})
		}

		turns = append(turns, Turn{
			Role:      "assistant",
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})

		for _, call := range reply.ToolCalls {
			emit.emit(Event{Type: EventToolCall, Hop: hop, Tool: call.Name, Arguments: string(call.Arguments)})

			callCtx, cancel := context.WithTimeout(ctx, o.toolTimeout)
			start := time.Now()
			result := o.tools.Dispatch(callCtx, call)
			cancel()

			if o.toolDuration != nil {
				o.toolDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
					otelmetric.WithAttributes(attribute.String("tool", call.Name)))
			}

			outcome.Trace = append(outcome.Trace, ToolResult{
				Tool:      call.Name,
				Arguments: call.Arguments,
				Output:    result,
				Timestamp: time.Now().UTC(),
			})

			folded := foldResult(result)
			emit.emit(Event{Type: EventToolResult, Hop: hop, Tool: call.Name, Content: folded})

			turns = append(turns, Turn{
				Role:       "tool",
				Content:    folded,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}

		turns = append(turns, Turn{Role: "user", Content: steeringPrompt})
	}

	// Hop budget exhausted: the answer must say so even when the model
	// never produced any prose, with partial reasoning appended when it did.
	outcome.State = StateHopLimitReached
	outcome.Answer = fmt.Sprintf(
		"The investigation exhausted its %d-hop budget before reaching a conclusion; more steps were required.",
		maxHops)
	if lastContent != "" {
		outcome.Answer += "\n\nPartial findings:\n" + lastContent
	}
	emit.emit(Event{Type: EventDone, Hop: maxHops, State: StateHopLimitReached})
	o.logger.Warn("agent: hop limit reached",
		"subject", req.SubjectID, "max_hops", maxHops, "tokens", outcome.TokensUsed)
	return outcome, nil
}

// foldResult renders a tool result for the conversation, bounding its size.
// Oversized successful results keep their first rows plus a note naming the
// original row count; anything still too large after that is hard-cut.
func foldResult(res graph.Result) string {
	data, err := json.Marshal(res)
	if err != nil {
		return `{"success":false,"error":"result encoding failed"}`
	}
	if len(data) <= foldLimit {
		return string(data)
	}

	if res.Success && len(res.Data) > foldMaxRows {
		truncated := res
		truncated.Data = res.Data[:foldMaxRows]
		note := fmt.Sprintf("showing %d of %d rows", foldMaxRows, res.RowCount)
		if truncated.Note != "" {
			note = truncated.Note + "; " + note
		}
		truncated.Note = note
		if data, err = json.Marshal(truncated); err == nil && len(data) <= foldLimit {
			return string(data)
		}
	}

	return string(data[:foldLimit]) + `... [truncated]`
}
