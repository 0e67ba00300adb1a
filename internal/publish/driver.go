package publish

import (
	"context"
	"fmt"
	"time"
)

// RejectedError: the platform refused to create the container (unreachable
// URL, bad credential). Terminal for the publish stage, never retried.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

// TimeoutError: the container never reached a terminal state within the
// configured deadline. The container may still finish platform-side.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for platform to process video", e.Waited)
}

// PlatformError carries the platform's own error text verbatim.
type PlatformError struct {
	Message string
}

func (e *PlatformError) Error() string { return e.Message }

// Result is a successful publish.
type Result struct {
	ExternalID  string
	ExternalURL string
}

// Driver runs the create/poll/publish sequence with a bounded poll loop.
type Driver struct {
	platform Platform
	interval time.Duration
	deadline time.Duration
}

func NewDriver(platform Platform, interval, deadline time.Duration) *Driver {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	return &Driver{platform: platform, interval: interval, deadline: deadline}
}

// Publish drives the two-phase protocol: create the container from the
// public URL, poll until the platform reports it ready or failed or the
// deadline passes, then issue the final publish call.
func (d *Driver) Publish(ctx context.Context, videoURL, caption string) (Result, error) {
	containerID, err := d.platform.CreateContainer(ctx, videoURL, caption)
	if err != nil {
		return Result{}, err
	}

	if err := d.waitReady(ctx, containerID); err != nil {
		return Result{}, err
	}

	id, permalink, err := d.platform.Publish(ctx, containerID)
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalID: id, ExternalURL: permalink}, nil
}

func (d *Driver) waitReady(ctx context.Context, containerID string) error {
	deadline := time.NewTimer(d.deadline)
	defer deadline.Stop()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		state, detail, err := d.platform.ContainerStatus(ctx, containerID)
		if err == nil {
			switch state {
			case StateReady:
				return nil
			case StateFailed:
				return &PlatformError{Message: detail}
			}
		}
		// Transient status errors fall through to the next poll.

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TimeoutError{Waited: d.deadline}
		case <-ticker.C:
		}
	}
}
