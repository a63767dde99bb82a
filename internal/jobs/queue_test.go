package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
)

func TestDecodeDeliveryAcceptsBareJobID(t *testing.T) {
	d, err := DecodeDelivery([]byte(" job-1 \n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.JobID != "job-1" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery: %+v", d)
	}

	if _, err := DecodeDelivery([]byte(`{"attempt":2}`)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for missing job_id, got %v", err)
	}
	if _, err := DecodeDelivery(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDeliveryQueueWait(t *testing.T) {
	d := NewDelivery("job-1", 0)
	if d.Attempt != 1 {
		t.Fatalf("attempt should default to 1, got %d", d.Attempt)
	}
	if wait := d.QueueWait(d.EnqueuedAt.Add(3 * time.Second)); wait != 3*time.Second {
		t.Fatalf("unexpected wait %s", wait)
	}
	if wait := d.QueueWait(d.EnqueuedAt.Add(-time.Second)); wait != 0 {
		t.Fatalf("clock skew should clamp to zero, got %s", wait)
	}
}

func TestMemoryQueueRedeliversFailedMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(4)
	if err := queue.Publish(ctx, NewDelivery("job-1", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = queue.Consume(ctx, 2, func(_ context.Context, d Delivery) error {
			if d.JobID != "job-1" {
				t.Errorf("unexpected job %s", d.JobID)
			}
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("message was not redelivered, calls=%d", calls.Load())
	}
	if queue.Len() != 0 {
		t.Fatalf("queue should be drained, len=%d", queue.Len())
	}
}

func TestMemoryQueueCloseStopsConsumers(t *testing.T) {
	queue := NewMemoryQueue(1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- queue.Consume(context.Background(), 3, func(context.Context, Delivery) error { return nil })
	}()
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil error after close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return after close")
	}
	if err := queue.Publish(context.Background(), NewDelivery("late", 1)); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE after close, got %v", err)
	}
}
