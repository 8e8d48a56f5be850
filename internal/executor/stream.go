package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lightningloop/invene/pkg/types"
)

// StreamConfig holds configuration for the agent-loop stream executor.
type StreamConfig struct {
	// BaseURL of the agent-loop service, e.g. "http://localhost:8000/ralph".
	BaseURL string

	// Actuator selects how the agent acts ("copilot" or "terminal").
	Actuator string

	// MaxIterations bounds the agent loop per node.
	MaxIterations int

	// HTTPClient defaults to a client without timeout; streams are
	// long-lived so the request context bounds them instead.
	HTTPClient *http.Client
}

// StreamExecutor runs a node through a remote agent-loop service and folds
// its SSE frames into execution events. The stream stays open for the
// whole loop; iteration_end frames become progress events and
// loop_complete settles the node.
type StreamExecutor struct {
	sink   EventSink
	cfg    StreamConfig
	logger *slog.Logger
}

// NewStreamExecutor creates a stream executor.
func NewStreamExecutor(sink EventSink, cfg StreamConfig, logger *slog.Logger) *StreamExecutor {
	if cfg.Actuator == "" {
		cfg.Actuator = "copilot"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamExecutor{sink: sink, cfg: cfg, logger: logger}
}

type loopRequest struct {
	Objective     string   `json:"objective"`
	Actuator      string   `json:"actuator"`
	MaxIterations int      `json:"max_iterations"`
	Constraints   []string `json:"constraints,omitempty"`
}

// loopFrame is one SSE payload from the agent-loop service. Fields are a
// union across frame types; unknown fields are ignored.
type loopFrame struct {
	Type              string `json:"type"`
	LoopID            string `json:"loop_id"`
	Iteration         int    `json:"iteration"`
	Outcome           string `json:"outcome"`
	Action            string `json:"action"`
	Result            string `json:"result"`
	DecisionReasoning string `json:"decision_reasoning"`
	Iterations        int    `json:"iterations"`
	StopReason        string `json:"stop_reason"`
	FinalSummary      string `json:"final_summary"`
	Message           string `json:"message"`
	Error             string `json:"error"`
	Output            string `json:"output"`
}

// Execute starts an agent loop for the node and consumes its event stream
// until loop_complete, an error frame, or stream close.
func (e *StreamExecutor) Execute(ctx context.Context, graphID string, node types.TaskNode) (*NodeResult, error) {
	body, err := json.Marshal(loopRequest{
		Objective:     BuildInstruction(node),
		Actuator:      e.cfg.Actuator,
		MaxIterations: e.cfg.MaxIterations,
		Constraints:   node.Constraints,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal loop request: %w", err)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/start"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build loop request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	started := time.Now()
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start agent loop: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent loop returned %s", resp.Status)
	}

	run := nodeRun{graphID: graphID, nodeID: node.ID}
	settled := false
	var res NodeResult

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var frame loopFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			// Malformed frames are skipped, not fatal.
			e.logger.Warn("skipping malformed loop frame", slog.String("node_id", node.ID), slog.Any("error", err))
			continue
		}

		switch frame.Type {
		case types.FrameTypeHeartbeat:
			// Keepalive only.
		case "loop_start":
			e.emitStream(ctx, &run, types.EventTypeLog, fmt.Sprintf("agent loop %s started", frame.LoopID), nil)
		case "iteration_start":
			// Progress is reported at iteration end.
		case "iteration_end":
			if frame.Iteration > run.iterations {
				run.iterations = frame.Iteration
			}
			msg := frame.DecisionReasoning
			if msg == "" {
				msg = fmt.Sprintf("iteration %d complete", frame.Iteration)
			}
			e.emitStream(ctx, &run, types.EventTypeProgress, msg, &types.Metrics{IterationsUsed: run.iterations})
		case "action_result":
			msg := frame.Action
			if frame.Outcome != "" {
				msg = fmt.Sprintf("%s (%s)", frame.Action, frame.Outcome)
			}
			e.emitStream(ctx, &run, types.EventTypeLog, msg, nil)
		case "loop_complete":
			settled = true
			if frame.Iterations > run.iterations {
				run.iterations = frame.Iterations
			}
			res.Success = true
			msg := frame.FinalSummary
			if msg == "" {
				msg = "loop complete: " + frame.StopReason
			}
			e.emitStream(ctx, &run, types.EventTypeLog, msg, nil)
		case "error":
			settled = true
			res.Success = false
			res.Error = frame.Message
			if res.Error == "" {
				res.Error = "agent loop reported an error"
			}
		case "done":
			// Terminal sentinel after the loop settles.
		default:
			if frame.Message != "" {
				e.emitStream(ctx, &run, types.EventTypeLog, frame.Message, nil)
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil && !settled {
		return nil, fmt.Errorf("read loop stream: %w", err)
	}
	if !settled {
		res.Success = false
		res.Error = "agent loop stream ended before completion"
	}

	res.Metrics = &types.Metrics{
		DurationMs:     time.Since(started).Milliseconds(),
		IterationsUsed: run.iterations,
	}
	return &res, nil
}

func (e *StreamExecutor) emitStream(ctx context.Context, run *nodeRun, t types.EventType, msg string, metrics *types.Metrics) {
	emitEvent(ctx, e.sink, e.logger, run.graphID, run.nodeID, t, msg, metrics)
}
