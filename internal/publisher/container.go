package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/retry"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 2 * time.Minute
	DefaultMaxPolls     = 60
)

// PollConfig bounds the processing wait of an async container.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	MaxPolls int
}

func (p PollConfig) withDefaults() PollConfig {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultPollTimeout
	}
	if p.MaxPolls <= 0 {
		p.MaxPolls = DefaultMaxPolls
	}
	return p
}

// ContainerOps are the platform calls of a two-phase publish. Status is only
// needed for async containers; detail carries the platform's error text.
type ContainerOps struct {
	Create  func(ctx context.Context) (string, error)
	Status  func(ctx context.Context, containerID string) (status models.ContainerStatus, detail string, err error)
	Publish func(ctx context.Context, containerID string) (*Outcome, error)
}

// RunTwoPhase creates the container and publishes it immediately.
func RunTwoPhase(ctx context.Context, platform string, rc retry.Config, req Request, ops ContainerOps) (*Outcome, error) {
	c, err := createContainer(ctx, platform, rc, req, ops)
	if err != nil {
		return nil, err
	}
	return publishContainer(ctx, rc, c, ops)
}

// RunAsyncContainer creates the container, waits for the platform to finish
// processing its media and publishes it. An explicit error status fails
// permanently without publishing. When processing outlasts the poll bounds
// the container is published once anyway.
func RunAsyncContainer(ctx context.Context, platform string, rc retry.Config, pc PollConfig, req Request, ops ContainerOps) (*Outcome, error) {
	c, err := createContainer(ctx, platform, rc, req, ops)
	if err != nil {
		return nil, err
	}

	req.stage(models.StageProcessing)
	c.Status = models.ContainerProcessing
	status, detail, err := waitForContainer(ctx, rc, pc.withDefaults(), c, ops)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.ContainerError:
		c.Status = models.ContainerError
		return nil, apperr.ProcessingFailed(platform, "process_container",
			fmt.Errorf("container %s failed processing: %s", c.ID, detail))
	case models.ContainerFinished:
		c.Status = models.ContainerFinished
		return publishContainer(ctx, rc, c, ops)
	}

	slog.Warn("container processing timed out, publishing anyway", "platform", platform, "container_id", c.ID, "last_status", status)
	out, err := publishContainer(ctx, rc, c, ops)
	if err != nil {
		return nil, err
	}
	out.FallbackPublished = true
	return out, nil
}

func createContainer(ctx context.Context, platform string, rc retry.Config, req Request, ops ContainerOps) (*models.Container, error) {
	req.stage(models.StageUploading)
	id, err := retry.Do(ctx, rc, ops.Create)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, apperr.Validation(platform, "create_container", errors.New("no container id returned"))
	}
	c := &models.Container{ID: id, Platform: platform, Status: models.ContainerCreating}
	if len(req.Media) > 0 {
		c.Media = models.MediaRef{URL: req.Media[0].URL, MimeType: req.Media[0].MimeType}
	}
	return c, nil
}

func publishContainer(ctx context.Context, rc retry.Config, c *models.Container, ops ContainerOps) (*Outcome, error) {
	return retry.Do(ctx, rc, func(ctx context.Context) (*Outcome, error) {
		return ops.Publish(ctx, c.ID)
	})
}

// waitForContainer polls on a ticker until the container is finished or
// failed. It returns the last observed status when the poll count or the
// wall-clock bound runs out first. Status retries share the bound.
func waitForContainer(ctx context.Context, rc retry.Config, pc PollConfig, c *models.Container, ops ContainerOps) (models.ContainerStatus, string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, pc.Timeout)
	defer cancel()
	ticker := time.NewTicker(pc.Interval)
	defer ticker.Stop()

	last := models.ContainerProcessing
	for polls := 0; polls < pc.MaxPolls; {
		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return last, "", apperr.Transient(c.Platform, "poll_container", err)
			}
			return last, "", nil
		case <-ticker.C:
			polls++
			type state struct {
				status models.ContainerStatus
				detail string
			}
			st, err := retry.Do(pollCtx, rc, func(ctx context.Context) (state, error) {
				s, d, err := ops.Status(ctx, c.ID)
				return state{s, d}, err
			})
			if err != nil {
				if apperr.IsPermanent(err) {
					return last, "", err
				}
				slog.Warn("container status check failed", "platform", c.Platform, "container_id", c.ID, "poll", polls, "error", err)
				continue
			}
			last = st.status
			switch st.status {
			case models.ContainerFinished, models.ContainerError:
				return st.status, st.detail, nil
			}
		}
	}
	return last, "", nil
}
