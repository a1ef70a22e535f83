package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/transfer"
)

type PostService interface {
	PostLoader
	// Submit validates and stores a post with its destinations and media.
	Submit(ctx context.Context, userID int64, req *transfer.CreatePostRequest) (*models.Post, error)
	PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error)
	List(ctx context.Context, userID int64) ([]*models.Post, error)
	SetStatus(ctx context.Context, postID int64, status string) error
}

type postService struct {
	db       *repository.DB
	pr       repository.PostRepository
	sa       repository.SelectedAccountRepository
	ac       repository.SocialAccountRepository
	ma       repository.MediaAssetRepository
	pm       repository.PostMediaRepository
	registry *publisher.Registry
}

func NewPostService(
	db *repository.DB,
	pr repository.PostRepository,
	sa repository.SelectedAccountRepository,
	ma repository.MediaAssetRepository,
	ac repository.SocialAccountRepository,
	pm repository.PostMediaRepository,
	registry *publisher.Registry) PostService {
	return &postService{
		db:       db,
		pr:       pr,
		sa:       sa,
		ac:       ac,
		ma:       ma,
		pm:       pm,
		registry: registry,
	}
}

func invalid(format string, args ...any) error {
	return apperr.Validation("", "submit_post", fmt.Errorf(format, args...))
}

func (s *postService) Submit(ctx context.Context, userID int64, req *transfer.CreatePostRequest) (*models.Post, error) {
	if req == nil {
		return nil, invalid("post data is nil")
	}
	if strings.TrimSpace(req.Caption) == "" && len(req.Thread) == 0 && len(req.Media) == 0 {
		return nil, invalid("post has no text and no media")
	}
	for i, part := range req.Thread {
		if cleanText(part) == "" {
			return nil, invalid("thread part %d is empty", i+1)
		}
	}
	if len(req.Destinations) == 0 {
		return nil, invalid("no social accounts selected")
	}

	// Ownership is checked before the transaction: SQLite runs on a single
	// connection and the tx would hold it.
	dests := make([]models.Destination, 0, len(req.Destinations))
	seen := make(map[int64]bool, len(req.Destinations))
	for _, d := range req.Destinations {
		if seen[d.AccountID] {
			return nil, invalid("social account %d selected twice", d.AccountID)
		}
		seen[d.AccountID] = true

		acct, err := s.ac.GetByID(ctx, d.AccountID)
		if err != nil {
			return nil, fmt.Errorf("error checking social account %d: %w", d.AccountID, err)
		}
		if acct == nil || acct.UserID != userID {
			return nil, invalid("social account %d does not exist", d.AccountID)
		}
		if d.Platform != "" && d.Platform != acct.Platform {
			return nil, invalid("social account %d is a %s account", d.AccountID, acct.Platform)
		}
		if _, ok := s.registry.Get(acct.Platform); !ok {
			return nil, invalid("platform %s is not supported", acct.Platform)
		}
		dests = append(dests, models.Destination{Platform: acct.Platform, AccountID: acct.ID, Options: d.Options})
	}

	media := make([]models.MediaRef, 0, len(req.Media))
	for i, m := range req.Media {
		if m.URL == "" && m.Key == "" {
			return nil, invalid("media %d has neither url nor key", i)
		}
		media = append(media, models.MediaRef{URL: m.URL, Key: m.Key, MimeType: m.MimeType, AltText: m.AltText})
	}

	scheduled := time.Now().UTC()
	if req.ScheduledTime != nil && req.ScheduledTime.After(scheduled) {
		scheduled = req.ScheduledTime.UTC()
	}

	post := &models.Post{
		UserID:        userID,
		PostType:      postType(len(media)),
		Caption:       req.Caption,
		Title:         req.Title,
		Overrides:     req.Overrides,
		Thread:        req.Thread,
		Numbered:      req.Numbered,
		Media:         media,
		Destinations:  dests,
		ScheduledTime: scheduled,
		Status:        models.PostStatusScheduled,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		}
	}()

	post.ID, err = s.pr.Create(ctx, tx, post)
	if err != nil {
		return nil, fmt.Errorf("error creating post: %w", err)
	}
	for _, d := range dests {
		if err = s.sa.Create(ctx, tx, post.ID, d); err != nil {
			return nil, fmt.Errorf("error saving selected account %d: %w", d.AccountID, err)
		}
	}
	for i, m := range media {
		var assetID int64
		assetID, err = s.ma.Create(ctx, tx, &models.MediaAsset{
			UserID:   userID,
			FileName: m.Key,
			FileType: m.MimeType,
			FileURL:  m.URL,
			AltText:  m.AltText,
		})
		if err != nil {
			return nil, fmt.Errorf("error saving media %d: %w", i, err)
		}
		if err = s.pm.Create(ctx, tx, &models.PostMedia{PostID: post.ID, AssetID: assetID, DisplayOrder: i}); err != nil {
			return nil, fmt.Errorf("error saving media %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("post submitted", "post_id", post.ID, "destinations", len(dests), "media", len(media), "scheduled_time", scheduled)
	return post, nil
}

func postType(media int) string {
	switch {
	case media == 0:
		return models.PostTypeText
	case media == 1:
		return models.PostTypeSingle
	}
	return models.PostTypeMultiple
}

func (s *postService) Load(ctx context.Context, postID int64) (*models.Post, error) {
	post, err := s.pr.GetByID(ctx, postID)
	if err != nil || post == nil {
		return nil, err
	}
	if post.Destinations, err = s.sa.ListByPostID(ctx, postID); err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	if post.Media, err = s.pm.ListRefsByPostID(ctx, postID); err != nil {
		return nil, fmt.Errorf("load media: %w", err)
	}
	return post, nil
}

func (s *postService) PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error) {
	if userID == 0 || postID == 0 {
		err := errors.New("post id is not valid")
		slog.Info(err.Error())
		return nil, err
	}

	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	if !isValid {
		return nil, fmt.Errorf("%w: %d", ErrPostNotFound, postID)
	}
	return s.Load(ctx, postID)
}

func (s *postService) List(ctx context.Context, userID int64) ([]*models.Post, error) {
	posts, err := s.pr.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing posts: %w", err)
	}
	return posts, nil
}

func (s *postService) SetStatus(ctx context.Context, postID int64, status string) error {
	return s.pr.UpdatePostStatus(ctx, status, postID)
}
