package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnqueueDispatch schedules the dispatch of a post. The task id is derived
// from the post, so a post is queued for dispatch at most once.
func EnqueueDispatch(ctx context.Context, client Enqueuer, postID int64, at time.Time) error {
	payload, err := json.Marshal(PostPayload{PostID: postID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeDispatchPost, payload)
	_, err = client.EnqueueContext(ctx, task,
		asynq.TaskID(fmt.Sprintf("dispatch:%d", postID)),
		asynq.ProcessIn(max(time.Until(at), 0)),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Info("dispatch already queued", "post_id", postID)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("dispatch scheduled", "post_id", postID, "at", at)
	return nil
}

// EnqueueRecover queues a recovery run. Every run gets its own id.
func EnqueueRecover(ctx context.Context, client Enqueuer, postID int64) (string, error) {
	payload, err := json.Marshal(PostPayload{PostID: postID})
	if err != nil {
		return "", err
	}
	runID, err := gonanoid.New()
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(TaskTypeRecoverPost, payload)
	if _, err := client.EnqueueContext(ctx, task,
		asynq.TaskID(fmt.Sprintf("recover:%d:%s", postID, runID)),
		asynq.MaxRetry(0),
	); err != nil {
		return "", err
	}

	slog.Info("recovery queued", "post_id", postID, "run_id", runID)
	return runID, nil
}
