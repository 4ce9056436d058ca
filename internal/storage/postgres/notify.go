package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"log/slog"
)

// Notification channels. Payloads are plain text; both sides tolerate lost
// notifications because the polled state is authoritative.
const (
	channelRunReady          = "job_run_ready"
	channelWorkflowCancelled = "workflow_cancelled"
)

// ReadyEvent is a decoded job_run_ready notification.
type ReadyEvent struct {
	Bucket int
	RunID  int64
}

// NotifyRunReady signals dispatch loops that a run in the bucket became
// claimable. Payload format: "bucket:run_id".
func (s *Store) NotifyRunReady(ctx context.Context, bucket int, runID int64) error {
	payload := fmt.Sprintf("%d:%d", bucket, runID)
	_, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channelRunReady, payload)
	if err != nil {
		return fmt.Errorf("failed to notify run ready: %w", err)
	}
	return nil
}

// NotifyWorkflowCancelled signals workers that a workflow run was
// cancelled externally.
func (s *Store) NotifyWorkflowCancelled(ctx context.Context, workflowRunID int64) error {
	_, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)",
		channelWorkflowCancelled, strconv.FormatInt(workflowRunID, 10))
	if err != nil {
		return fmt.Errorf("failed to notify workflow cancelled: %w", err)
	}
	return nil
}

// SubscribeRunReady listens for readiness notifications on a dedicated
// connection. The channel closes when the context is cancelled.
func (s *Store) SubscribeRunReady(ctx context.Context) (<-chan ReadyEvent, error) {
	raw, err := s.subscribe(ctx, channelRunReady)
	if err != nil {
		return nil, err
	}

	ch := make(chan ReadyEvent, 64)
	go func() {
		defer close(ch)
		for payload := range raw {
			ev, err := parseReadyPayload(payload)
			if err != nil {
				slog.WarnContext(ctx, "malformed readiness notification", "payload", payload, "error", err)
				continue
			}
			ch <- ev
		}
	}()
	return ch, nil
}

// SubscribeWorkflowCancelled listens for cancellation notifications. The
// channel carries workflow run ids and closes when the context is
// cancelled.
func (s *Store) SubscribeWorkflowCancelled(ctx context.Context) (<-chan int64, error) {
	raw, err := s.subscribe(ctx, channelWorkflowCancelled)
	if err != nil {
		return nil, err
	}

	ch := make(chan int64, 16)
	go func() {
		defer close(ch)
		for payload := range raw {
			id, err := strconv.ParseInt(payload, 10, 64)
			if err != nil {
				slog.WarnContext(ctx, "malformed cancellation notification", "payload", payload)
				continue
			}
			ch <- id
		}
	}()
	return ch, nil
}

// subscribe acquires a dedicated connection and LISTENs on the channel
// until the context is cancelled.
func (s *Store) subscribe(ctx context.Context, channel string) (<-chan string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+channel)
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			select {
			case ch <- notification.Payload:
			default:
				// A full buffer drops the notification; polling catches up.
			}
		}
	}()
	return ch, nil
}

func parseReadyPayload(payload string) (ReadyEvent, error) {
	bucketStr, runStr, ok := strings.Cut(payload, ":")
	if !ok {
		return ReadyEvent{}, fmt.Errorf("missing separator in %q", payload)
	}
	bucket, err := strconv.Atoi(bucketStr)
	if err != nil {
		return ReadyEvent{}, fmt.Errorf("invalid bucket in %q", payload)
	}
	runID, err := strconv.ParseInt(runStr, 10, 64)
	if err != nil {
		return ReadyEvent{}, fmt.Errorf("invalid run id in %q", payload)
	}
	return ReadyEvent{Bucket: bucket, RunID: runID}, nil
}
