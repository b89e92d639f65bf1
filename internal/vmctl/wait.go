package vmctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edvin/vmcache/internal/task"
)

// ErrTaskFailed is returned by AwaitTask when the task ended in failure.
var ErrTaskFailed = errors.New("task failed")

// AwaitTask polls the task until it leaves the running state or ctx ends.
func (c *Client) AwaitTask(ctx context.Context, id string) (task.Info, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.Get(ctx, "/api/v1/tasks/"+id)
		if err != nil {
			return task.Info{}, fmt.Errorf("await task %s: %w", id, err)
		}
		var info task.Info
		if err := resp.Decode(&info); err != nil {
			return task.Info{}, err
		}
		switch info.State {
		case task.StateSucceeded:
			return info, nil
		case task.StateFailed:
			return info, fmt.Errorf("%w: %s: %s", ErrTaskFailed, info.Name, info.Error)
		}

		select {
		case <-ctx.Done():
			return info, fmt.Errorf("await task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
