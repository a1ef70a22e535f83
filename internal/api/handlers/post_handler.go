package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/progress"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/valyala/fasthttp"
)

type PostHandler struct {
	s      service.PostService
	ledger service.LedgerService
	queue  queue.Enqueuer
	hub    *progress.Hub
}

func NewPostHandler(service service.PostService, ledger service.LedgerService, client queue.Enqueuer, hub *progress.Hub) *PostHandler {
	return &PostHandler{s: service, ledger: ledger, queue: client, hub: hub}
}

func (h *PostHandler) Register(r fiber.Router) {
	r.Post("/posts", h.CreatePost)
	r.Get("/posts", h.ListPosts)
	r.Get("/posts/:id", h.GetPost)
	r.Post("/posts/:id/recover", h.RecoverPost)
	r.Get("/posts/:id/attempts", h.ListAttempts)
	r.Get("/posts/:id/progress", h.Progress)
}

func (h *PostHandler) CreatePost(c *fiber.Ctx) error {
	userID := GetUserID(c)

	var req transfer.CreatePostRequest
	if err := c.BodyParser(&req); err != nil {
		slog.Error(err.Error())
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unable to parse post",
		})
	}

	post, err := h.s.Submit(c.Context(), userID, &req)
	if err != nil {
		status := fiber.StatusInternalServerError
		if apperr.KindOf(err) == apperr.KindValidation {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := queue.EnqueueDispatch(c.Context(), h.queue, post.ID, post.ScheduledTime); err != nil {
		slog.Error("enqueue dispatch", "post_id", post.ID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Error scheduling post",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(transfer.CreatePostResponse{
		PostID:        post.ID,
		Status:        post.Status,
		ScheduledTime: post.ScheduledTime,
	})
}

func (h *PostHandler) ListPosts(c *fiber.Ctx) error {
	posts, err := h.s.List(c.Context(), GetUserID(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to list posts",
		})
	}
	return c.JSON(posts)
}

// ownedPost resolves the :id param to a post of the calling user.
func (h *PostHandler) ownedPost(c *fiber.Ctx) (*models.Post, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid post id"})
	}
	post, err := h.s.PostInfo(c.Context(), int64(id), GetUserID(c))
	if err != nil || post == nil {
		if err != nil && !errors.Is(err, service.ErrPostNotFound) {
			slog.Error("load post", "post_id", id, "error", err)
		}
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Post doesn't exist"})
	}
	return post, nil
}

func (h *PostHandler) GetPost(c *fiber.Ctx) error {
	post, err := h.ownedPost(c)
	if post == nil {
		return err
	}
	return c.JSON(post)
}

func (h *PostHandler) RecoverPost(c *fiber.Ctx) error {
	post, err := h.ownedPost(c)
	if post == nil {
		return err
	}

	runID, err := queue.EnqueueRecover(c.Context(), h.queue, post.ID)
	if err != nil {
		slog.Error("enqueue recovery", "post_id", post.ID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Error scheduling recovery",
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"post_id": post.ID,
		"run_id":  runID,
	})
}

func (h *PostHandler) ListAttempts(c *fiber.Ctx) error {
	post, err := h.ownedPost(c)
	if post == nil {
		return err
	}

	attempts, err := h.ledger.ListByPost(c.Context(), post.ID, c.QueryBool("posted", false))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to list attempts",
		})
	}

	out := make([]transfer.AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, transfer.AttemptResponse{
			Platform:       a.Platform,
			AccountID:      a.AccountID,
			PartIndex:      a.PartIndex,
			Status:         a.Status,
			ExternalPostID: a.External(),
			Error:          a.ErrorText(),
			UpdatedAt:      a.UpdatedAt,
		})
	}
	return c.JSON(out)
}

// Progress streams the events of a dispatch running in this process as
// server-sent events. Without a live dispatch it answers with an aggregate
// built from the ledger.
func (h *PostHandler) Progress(c *fiber.Ctx) error {
	post, err := h.ownedPost(c)
	if post == nil {
		return err
	}

	rep, ok := h.hub.Get(post.ID)
	if !ok {
		attempts, err := h.ledger.ListByPost(c.Context(), post.ID, false)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Unable to load progress",
			})
		}
		return c.JSON(ledgerAggregate(post, attempts))
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		for ev := range rep.Events(ctx) {
			if err := writeEvent(w, "progress", ev); err != nil {
				return
			}
		}
		writeEvent(w, "complete", rep.Snapshot())
	}))
	return nil
}

func writeEvent(w *bufio.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return w.Flush()
}

// ledgerAggregate counts one outcome per destination. A sequenced destination
// is done when its parts are done and failed when any part failed.
func ledgerAggregate(post *models.Post, attempts []*models.PostAttempt) progress.Aggregate {
	type state struct{ posted, failed, open int }
	per := make(map[string]*state)
	for _, a := range attempts {
		key := service.DestinationKey(models.Destination{Platform: a.Platform, AccountID: a.AccountID})
		s := per[key]
		if s == nil {
			s = &state{}
			per[key] = s
		}
		switch a.Status {
		case models.AttemptStatusPosted:
			s.posted++
		case models.AttemptStatusFailed:
			s.failed++
		default:
			s.open++
		}
	}

	agg := progress.Aggregate{Total: len(post.Destinations)}
	for _, s := range per {
		switch {
		case s.open > 0:
		case s.failed > 0:
			agg.Failed++
		default:
			agg.Succeeded++
		}
	}
	agg.Complete = agg.Total > 0 && agg.Succeeded+agg.Failed == agg.Total
	return agg
}
