package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lightningloop/invene/internal/artifacts"
	"github.com/lightningloop/invene/pkg/types"
)

// CommandResolver maps a node to the agent command that executes it. The
// node payload JSON is appended as the final argument.
type CommandResolver func(node types.TaskNode) []string

// SubprocessConfig holds configuration for the subprocess executor.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all agent
	// processes.
	EnvPassthrough map[string]string

	// CWD is the working directory for agent processes (empty = inherit)
	CWD string

	// MaxIterations is forwarded to the agent in its payload.
	MaxIterations int

	// ShutdownGrace is how long a cancelled process gets between SIGTERM
	// and SIGKILL. Defaults to 5s.
	ShutdownGrace time.Duration
}

// SubprocessExecutor runs a node as a local agent subprocess. It parses
// NDJSON from stdout into progress and log events and forwards stderr
// lines as log events.
type SubprocessExecutor struct {
	sink    EventSink
	resolve CommandResolver
	store   artifacts.Store
	cfg     SubprocessConfig
	logger  *slog.Logger
}

// NewSubprocessExecutor creates a subprocess executor. store may be nil,
// in which case inline artifact frames are dropped with a log event.
func NewSubprocessExecutor(sink EventSink, resolve CommandResolver, store artifacts.Store, cfg *SubprocessConfig, logger *slog.Logger) *SubprocessExecutor {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessExecutor{
		sink:    sink,
		resolve: resolve,
		store:   store,
		cfg:     *cfg,
		logger:  logger,
	}
}

// outputLine is one line of agent output, tagged by its stream.
type outputLine struct {
	stderr bool
	text   string
}

// agentFrame is the NDJSON shape agents write to stdout. Unknown fields
// are ignored.
type agentFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Iteration int    `json:"iteration"`
	Tokens    int64  `json:"tokens"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	MediaType string `json:"media_type"`
}

// Execute runs the node's agent command to completion. Exit code zero
// with no explicit failure frame means success; everything else fails the
// node. Context cancellation sends SIGTERM and escalates to SIGKILL after
// the shutdown grace period.
func (e *SubprocessExecutor) Execute(ctx context.Context, graphID string, node types.TaskNode) (*NodeResult, error) {
	argv := e.resolve(node)
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command resolved for node %s", node.ID)
	}
	argv = append(argv, encodeNodePayload(node, e.cfg.MaxIterations))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = e.buildEnv(graphID, node.ID)
	if e.cfg.CWD != "" {
		cmd.Dir = e.cfg.CWD
	}
	// Cancellation sends SIGTERM first; WaitDelay escalates to SIGKILL if
	// the agent does not exit within the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.ShutdownGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	// Both readers feed one bounded channel; a single consumer emits
	// events in arrival order so the sink never sees interleaved writes.
	lines := make(chan outputLine, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(&readers, stdout, false, lines)
	go readLines(&readers, stderr, true, lines)
	go func() {
		readers.Wait()
		close(lines)
	}()

	run := nodeRun{graphID: graphID, nodeID: node.ID}
	for line := range lines {
		e.consumeLine(ctx, &run, line)
	}

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	metrics := &types.Metrics{
		DurationMs:     time.Since(started).Milliseconds(),
		IterationsUsed: run.iterations,
		TokenEstimate:  run.tokens,
	}
	res := &NodeResult{Artifacts: run.artifacts, Metrics: metrics}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	switch {
	case run.failureMsg != "":
		res.Error = run.failureMsg
	case exitCode != 0:
		res.Error = fmt.Sprintf("agent exited with code %d", exitCode)
	default:
		res.Success = true
	}
	return res, nil
}

// nodeRun accumulates what the consumer learns from agent output.
type nodeRun struct {
	graphID    string
	nodeID     string
	iterations int
	tokens     int64
	artifacts  []types.Artifact
	failureMsg string
}

func (e *SubprocessExecutor) consumeLine(ctx context.Context, run *nodeRun, line outputLine) {
	if line.stderr {
		e.emit(ctx, run, types.EventTypeLog, "stderr: "+line.text, nil)
		return
	}

	var frame agentFrame
	if err := json.Unmarshal([]byte(line.text), &frame); err != nil || frame.Type == "" {
		// Plain text from the agent is still worth surfacing.
		e.emit(ctx, run, types.EventTypeLog, line.text, nil)
		return
	}

	switch frame.Type {
	case "iteration", "progress":
		if frame.Iteration > run.iterations {
			run.iterations = frame.Iteration
		}
		run.tokens += frame.Tokens
		msg := frame.Message
		if msg == "" {
			msg = fmt.Sprintf("iteration %d", frame.Iteration)
		}
		e.emit(ctx, run, types.EventTypeProgress, msg, &types.Metrics{
			IterationsUsed: run.iterations,
			TokenEstimate:  run.tokens,
		})
	case "error", "failed":
		msg := frame.Message
		if msg == "" {
			msg = "agent reported failure"
		}
		run.failureMsg = msg
		e.emit(ctx, run, types.EventTypeLog, msg, nil)
	case "artifact":
		e.storeArtifact(ctx, run, frame)
	default:
		msg := frame.Message
		if msg == "" {
			msg = line.text
		}
		e.emit(ctx, run, types.EventTypeLog, msg, nil)
	}
}

func (e *SubprocessExecutor) storeArtifact(ctx context.Context, run *nodeRun, frame agentFrame) {
	if e.store == nil {
		e.emit(ctx, run, types.EventTypeLog, fmt.Sprintf("artifact %q dropped: no store configured", frame.Name), nil)
		return
	}
	name := frame.Name
	if name == "" {
		name = fmt.Sprintf("artifact-%d", len(run.artifacts)+1)
	}
	path := fmt.Sprintf("%s/%s/%s", run.graphID, run.nodeID, name)
	ref, err := e.store.Put(ctx, path, bytes.NewReader([]byte(frame.Content)), frame.MediaType)
	if err != nil {
		e.logger.Error("store artifact", slog.String("node_id", run.nodeID), slog.String("name", name), slog.Any("error", err))
		return
	}
	kind := frame.MediaType
	if kind == "" {
		kind = "file"
	}
	run.artifacts = append(run.artifacts, types.Artifact{Type: kind, ContentRef: ref})
	e.emit(ctx, run, types.EventTypeLog, "stored artifact "+name, nil)
}

func (e *SubprocessExecutor) emit(ctx context.Context, run *nodeRun, t types.EventType, msg string, metrics *types.Metrics) {
	emitEvent(ctx, e.sink, e.logger, run.graphID, run.nodeID, t, msg, metrics)
}

func (e *SubprocessExecutor) buildEnv(graphID, nodeID string) []string {
	env := os.Environ()
	for k, v := range e.cfg.EnvPassthrough {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("GRAPH_ID=%s", graphID),
		fmt.Sprintf("NODE_ID=%s", nodeID),
	)
	return env
}

func readLines(wg *sync.WaitGroup, r io.Reader, isStderr bool, out chan<- outputLine) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// Agent output can include long JSON lines.
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		out <- outputLine{stderr: isStderr, text: line}
	}
	// A scan failure (for example a line past the buffer limit) drops
	// the rest of the stream; surface it instead of losing it silently.
	// The drain keeps the child from blocking on a full pipe.
	if err := scanner.Err(); err != nil {
		out <- outputLine{stderr: true, text: fmt.Sprintf("output read error, remaining stream dropped: %v", err)}
		_, _ = io.Copy(io.Discard, r)
	}
}
