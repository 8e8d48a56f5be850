// Package driver owns the job lifecycle: it polls the relay for work,
// executes claimed graphs node by node, and reports everything back.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lightningloop/invene/internal/executor"
	"github.com/lightningloop/invene/internal/graphcheck"
	"github.com/lightningloop/invene/internal/metrics"
	"github.com/lightningloop/invene/internal/scheduler"
	"github.com/lightningloop/invene/pkg/types"
)

// JobAPI is the slice of the relay client the driver depends on.
type JobAPI interface {
	ClaimNext(ctx context.Context) (*types.Job, error)
	Start(ctx context.Context, jobID string) error
	Progress(ctx context.Context, jobID, nodeID string, nodeIndex int) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, errorMessage string) error
	PostEvent(ctx context.Context, in types.EventInput) (*types.ExecutionEvent, error)
}

// ExecutorPicker selects the executor for a node, typically by its agent
// profile.
type ExecutorPicker func(node types.TaskNode) executor.Executor

// Config holds driver configuration.
type Config struct {
	// PollInterval is the claim poll cadence while idle. Defaults to 2s.
	PollInterval time.Duration

	// Checker validates claimed graphs before execution when set.
	Checker *graphcheck.Checker

	// OnJobClaimed runs right after a job is claimed, before execution.
	// Used to attach observers such as the local event mirror.
	OnJobClaimed func(ctx context.Context, job *types.Job)
}

// Driver polls for jobs and executes them one at a time. While a job is
// held, polling is suspended; the slot is released on every exit path.
type Driver struct {
	relay  JobAPI
	pick   ExecutorPicker
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu        sync.Mutex
	current   *types.Job
	cancelJob context.CancelFunc
}

// New creates a driver.
func New(relayAPI JobAPI, pick ExecutorPicker, cfg Config, logger *slog.Logger) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		relay:  relayAPI,
		pick:   pick,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("invene/driver"),
	}
}

// Run polls the relay until ctx is cancelled. Claimed jobs execute
// synchronously inside the loop, so at most one job is ever held.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("driver started", slog.Duration("poll_interval", d.cfg.PollInterval))

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.pollOnce(ctx)

		select {
		case <-ctx.Done():
			d.logger.Info("driver stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Driver) pollOnce(ctx context.Context) {
	job, err := d.relay.ClaimNext(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.ClaimPollsTotal.WithLabelValues("error").Inc()
			d.logger.Warn("claim poll failed", slog.Any("error", err))
		}
		return
	}
	if job == nil {
		// An empty queue is the steady state; stay quiet.
		metrics.ClaimPollsTotal.WithLabelValues("empty").Inc()
		return
	}

	metrics.ClaimPollsTotal.WithLabelValues("claimed").Inc()
	d.logger.Info("claimed job",
		slog.String("job_id", job.ID),
		slog.String("graph_id", job.GraphID))

	if d.cfg.OnJobClaimed != nil {
		d.cfg.OnJobClaimed(ctx, job)
	}
	d.runJob(ctx, job)
}

// CurrentJob returns a snapshot of the held job, if any.
func (d *Driver) CurrentJob() (types.Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return types.Job{}, false
	}
	return *d.current, true
}

// StopCurrent cancels the held job, if any. The active node's agent is
// terminated and the job is reported failed; nodes not yet started stay
// untouched. Returns false when no job is held.
func (d *Driver) StopCurrent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelJob == nil {
		return false
	}
	d.logger.Info("stopping current job", slog.String("job_id", d.current.ID))
	d.cancelJob()
	return true
}

func (d *Driver) acquire(job *types.Job, cancel context.CancelFunc) {
	d.mu.Lock()
	d.current = job
	d.cancelJob = cancel
	d.mu.Unlock()
	metrics.JobActive.Set(1)
}

func (d *Driver) release() {
	d.mu.Lock()
	d.current = nil
	d.cancelJob = nil
	d.mu.Unlock()
	metrics.JobActive.Set(0)
}

func (d *Driver) runJob(ctx context.Context, job *types.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.acquire(job, cancel)
	defer d.release()

	jobCtx, span := d.tracer.Start(jobCtx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("graph.id", job.GraphID),
		))
	defer span.End()

	started := time.Now()

	// An escaping panic must still land the job in failed at the relay;
	// the slot release above keeps the poll loop alive either way.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during job execution",
				slog.String("job_id", job.ID),
				slog.Any("panic", r))
			d.failJob(ctx, job, fmt.Sprintf("internal error: %v", r))
			d.observeJob(started, "failed")
		}
	}()

	if job.TaskGraph == nil || len(job.TaskGraph.Nodes) == 0 {
		d.failJob(ctx, job, "job has no task graph")
		d.observeJob(started, "failed")
		return
	}
	if d.cfg.Checker != nil {
		if err := d.cfg.Checker.Validate(job.TaskGraph).Err(); err != nil {
			d.failJob(ctx, job, err.Error())
			d.observeJob(started, "failed")
			return
		}
	}

	if err := d.relay.Start(jobCtx, job.ID); err != nil {
		d.logger.Error("report job start", slog.String("job_id", job.ID), slog.Any("error", err))
		d.failJob(ctx, job, fmt.Sprintf("could not start job: %v", err))
		d.observeJob(started, "failed")
		return
	}

	ordered := scheduler.Order(job.TaskGraph.Nodes, job.TaskGraph.Edges)

	var failed int
	stopped := false
	for i, node := range ordered {
		if jobCtx.Err() != nil {
			stopped = true
			break
		}

		nodeStopped, ok := d.runNode(jobCtx, job, node)
		if nodeStopped {
			// The cancelled node still reached a terminal event, so its
			// progress report goes out before the job-level failure.
			d.reportProgress(context.WithoutCancel(jobCtx), job, node.ID, i)
			stopped = true
			break
		}
		if !ok {
			failed++
		}
		d.reportProgress(jobCtx, job, node.ID, i)
	}

	switch {
	case stopped:
		// Remaining nodes are left untouched; their absence from the
		// event stream reads as still queued.
		if err := d.relay.Fail(ctx, job.ID, "job cancelled by operator"); err != nil {
			d.logger.Error("report job cancellation", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		d.observeJob(started, "cancelled")
		d.logger.Info("job cancelled", slog.String("job_id", job.ID))
	default:
		// Node failures do not fail the job; the graph ran to the end
		// and the per-node events carry the details.
		if err := d.relay.Complete(ctx, job.ID); err != nil {
			d.logger.Error("report job completion", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		d.observeJob(started, "completed")
		d.logger.Info("job finished",
			slog.String("job_id", job.ID),
			slog.Int("nodes", len(ordered)),
			slog.Int("failed", failed))
	}
}

// runNode executes one node to a terminal event. It returns
// (stopped, ok): stopped when the job was cancelled mid-node, ok when the
// node succeeded.
func (d *Driver) runNode(jobCtx context.Context, job *types.Job, node types.TaskNode) (bool, bool) {
	nodeCtx, span := d.tracer.Start(jobCtx, "node.execute",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Kind)),
		))
	defer span.End()

	started := time.Now()

	d.postEvent(nodeCtx, types.EventInput{
		GraphID: job.GraphID,
		NodeID:  node.ID,
		Type:    types.EventTypeQueued,
	})
	d.postEvent(nodeCtx, types.EventInput{
		GraphID: job.GraphID,
		NodeID:  node.ID,
		Type:    types.EventTypeRunning,
		Message: node.Title,
	})

	exec := d.pick(node)
	result, err := exec.Execute(nodeCtx, job.GraphID, node)

	if err != nil {
		if jobCtx.Err() != nil {
			// Cancelled mid-node: the active node fails, posted outside
			// the dead job context.
			d.postEvent(context.WithoutCancel(jobCtx), types.EventInput{
				GraphID: job.GraphID,
				NodeID:  node.ID,
				Type:    types.EventTypeFailed,
				Message: "node cancelled before completion",
			})
			d.observeNode(started, string(types.EventTypeFailed))
			return true, false
		}
		d.postEvent(nodeCtx, types.EventInput{
			GraphID: job.GraphID,
			NodeID:  node.ID,
			Type:    types.EventTypeFailed,
			Message: err.Error(),
		})
		d.observeNode(started, string(types.EventTypeFailed))
		d.logger.Error("node execution error", slog.String("node_id", node.ID), slog.Any("error", err))
		return false, false
	}

	if result.Success {
		d.postEvent(nodeCtx, types.EventInput{
			GraphID:   job.GraphID,
			NodeID:    node.ID,
			Type:      types.EventTypeDone,
			Message:   "node completed",
			Artifacts: result.Artifacts,
			Metrics:   result.Metrics,
		})
		d.observeNode(started, string(types.EventTypeDone))
		return false, true
	}

	d.postEvent(nodeCtx, types.EventInput{
		GraphID:   job.GraphID,
		NodeID:    node.ID,
		Type:      types.EventTypeFailed,
		Message:   result.Error,
		Artifacts: result.Artifacts,
		Metrics:   result.Metrics,
	})
	d.observeNode(started, string(types.EventTypeFailed))
	d.logger.Warn("node failed", slog.String("node_id", node.ID), slog.String("error", result.Error))
	return false, false
}

// reportProgress notifies the relay that a node finished. It must only
// run after the node's terminal event has been posted, so observers
// never see progress for a node that is still running.
func (d *Driver) reportProgress(ctx context.Context, job *types.Job, nodeID string, nodeIndex int) {
	if err := d.relay.Progress(ctx, job.ID, nodeID, nodeIndex); err != nil && ctx.Err() == nil {
		d.logger.Warn("report progress", slog.String("node_id", nodeID), slog.Any("error", err))
	}
}

// failJob reports a job-level failure before any node ran.
func (d *Driver) failJob(ctx context.Context, job *types.Job, msg string) {
	d.logger.Error("job rejected", slog.String("job_id", job.ID), slog.String("reason", msg))
	if err := d.relay.Fail(context.WithoutCancel(ctx), job.ID, msg); err != nil {
		d.logger.Error("report job failure", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// postEvent forwards one event to the relay. Event posting is best
// effort: a lost event must not abort the node that produced it.
func (d *Driver) postEvent(ctx context.Context, in types.EventInput) {
	metrics.EventsPosted.WithLabelValues(string(in.Type)).Inc()
	if _, err := d.relay.PostEvent(ctx, in); err != nil && ctx.Err() == nil {
		d.logger.Warn("post event",
			slog.String("node_id", in.NodeID),
			slog.String("event_type", string(in.Type)),
			slog.Any("error", err))
	}
}

func (d *Driver) observeJob(started time.Time, status string) {
	metrics.JobsTotal.WithLabelValues(status).Inc()
	metrics.JobDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

func (d *Driver) observeNode(started time.Time, status string) {
	metrics.NodesTotal.WithLabelValues(status).Inc()
	metrics.NodeDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// Sink returns an executor event sink that forwards through the driver's
// relay client.
func (d *Driver) Sink() executor.EventSink {
	return executor.SinkFunc(func(ctx context.Context, in types.EventInput) error {
		d.postEvent(ctx, in)
		return nil
	})
}
