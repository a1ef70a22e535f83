package queue

import (
	"context"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/progress"
	"github.com/maheshrc27/postflow/internal/service"
)

// PostStore is the part of service.PostService the workers need.
type PostStore interface {
	Load(ctx context.Context, postID int64) (*models.Post, error)
	SetStatus(ctx context.Context, postID int64, status string) error
}

type Queue struct {
	posts      PostStore
	dispatcher service.DispatchService
	hub        *progress.Hub
}

func NewQueue(posts PostStore, dispatcher service.DispatchService, hub *progress.Hub) *Queue {
	return &Queue{
		posts:      posts,
		dispatcher: dispatcher,
		hub:        hub,
	}
}

const (
	TaskTypeDispatchPost = "post:dispatch"
	TaskTypeRecoverPost  = "post:recover"
)

type PostPayload struct {
	PostID int64 `json:"post_id"`
}
