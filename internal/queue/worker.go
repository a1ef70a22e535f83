package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/service"
)

func decodePayload(task *asynq.Task) (PostPayload, error) {
	var payload PostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	return payload, nil
}

func (q *Queue) HandleDispatchTask(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}

	post, err := q.posts.Load(ctx, payload.PostID)
	if err != nil {
		return err
	}
	if post == nil {
		return fmt.Errorf("post %d: %w", payload.PostID, asynq.SkipRetry)
	}
	if post.Status != models.PostStatusScheduled {
		slog.Info("post already dispatched, skipping", "post_id", post.ID, "status", post.Status)
		return nil
	}

	return q.run(ctx, post.ID, func(ctx context.Context) ([]models.DeliveryResult, error) {
		rep := q.hub.Start(post.ID)
		defer rep.Track()
		return q.dispatcher.Dispatch(ctx, post, post.Destinations, rep)
	})
}

func (q *Queue) HandleRecoverTask(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}

	return q.run(ctx, payload.PostID, func(ctx context.Context) ([]models.DeliveryResult, error) {
		rep := q.hub.Start(payload.PostID)
		// Recovery of a post that fails to load never tracks anything; the
		// empty Track completes the reporter so it can be evicted.
		defer rep.Track()
		return q.dispatcher.Recover(ctx, payload.PostID, rep)
	})
}

// run marks the post as dispatching, runs fn and stores the rolled up status.
// Deliveries are never retried by the queue; the ledger decides what runs again.
func (q *Queue) run(ctx context.Context, postID int64, fn func(context.Context) ([]models.DeliveryResult, error)) error {
	if err := q.posts.SetStatus(ctx, postID, models.PostStatusDispatching); err != nil {
		return err
	}

	results, err := fn(ctx)
	if err != nil {
		slog.Error("dispatch failed", "post_id", postID, "error", err)
		if serr := q.posts.SetStatus(context.WithoutCancel(ctx), postID, models.PostStatusFailed); serr != nil {
			slog.Error("update post status", "post_id", postID, "error", serr)
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	status := service.PostStatusFor(results)
	for _, r := range results {
		if r.NeedsReconnect {
			slog.Warn("account needs reconnect", "post_id", postID, "platform", r.Platform, "account_id", r.AccountID)
		}
	}
	if err := q.posts.SetStatus(context.WithoutCancel(ctx), postID, status); err != nil {
		return err
	}
	slog.Info("post dispatched", "post_id", postID, "status", status, "destinations", len(results))
	return nil
}
