package dispatchlinesdk

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Session statuses a worker reports.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is what a Handler reports back for one session.
type Result struct {
	// Outcome is free text; "failed", "fail" and "rejected" count as
	// failures for QA sessions.
	Outcome      string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// Handler runs one claimed item. A returned error marks the session failed.
type Handler func(ctx context.Context, w Work) (Result, error)

// Worker polls the queue and runs claimed items one at a time. Empty polls
// back off exponentially up to MaxIdle; a claim resets the backoff.
type Worker struct {
	Client   *Client
	ID       string
	Capacity int
	Projects []string

	MaxIdle           time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger

	active atomic.Int32
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run registers the worker and polls until ctx is done. It returns nil on
// cancellation and the registration error otherwise.
func (w *Worker) Run(ctx context.Context, h Handler) error {
	if w.Capacity <= 0 {
		w.Capacity = 1
	}
	if _, err := w.Client.RegisterWorker(ctx, w.ID, w.Capacity, w.Projects); err != nil {
		return err
	}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	bo := w.newBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := w.PollOnce(ctx, h)
		if err != nil && ctx.Err() == nil {
			w.logger().Warn("poll failed", "worker", w.ID, "err", err)
		}
		if claimed {
			bo.Reset()
			continue
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = w.maxIdle()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// PollOnce claims at most one item and runs it. It reports whether an item
// was claimed.
func (w *Worker) PollOnce(ctx context.Context, h Handler) (bool, error) {
	work, err := w.Client.Claim(ctx, w.ID, w.Projects)
	if err != nil || work == nil {
		return false, err
	}
	w.active.Add(1)
	defer w.active.Add(-1)

	workerID := w.ID
	if _, err := w.Client.ReportStatus(ctx, work.SessionID, StatusReport{Status: StatusRunning, WorkerID: &workerID}); err != nil {
		return true, err
	}
	res, runErr := h(ctx, *work)
	report := StatusReport{
		Status:       StatusCompleted,
		CostUSD:      &res.CostUSD,
		InputTokens:  &res.InputTokens,
		OutputTokens: &res.OutputTokens,
	}
	outcome := res.Outcome
	if runErr != nil {
		report.Status = StatusFailed
		if outcome == "" {
			outcome = runErr.Error()
		}
	}
	if outcome != "" {
		report.Outcome = &outcome
	}
	// The session is reported even when ctx was cancelled mid-run.
	reportCtx := context.WithoutCancel(ctx)
	if _, err := w.Client.ReportStatus(reportCtx, work.SessionID, report); err != nil {
		return true, errors.Join(runErr, err)
	}
	return true, runErr
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Client.Heartbeat(ctx, w.ID, int(w.active.Load())); err != nil && ctx.Err() == nil {
				w.logger().Warn("heartbeat failed", "worker", w.ID, "err", err)
			}
		}
	}
}

func (w *Worker) maxIdle() time.Duration {
	if w.MaxIdle > 0 {
		return w.MaxIdle
	}
	return 30 * time.Second
}

func (w *Worker) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = w.maxIdle()
	bo.MaxElapsedTime = 0
	return bo
}
