package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/progress"
	"github.com/maheshrc27/postflow/internal/publisher"
)

var ErrPostNotFound = errors.New("post not found")

// PostLoader loads a post with its destinations and media.
type PostLoader interface {
	Load(ctx context.Context, postID int64) (*models.Post, error)
}

type DispatchService interface {
	// Dispatch delivers post to every destination. Per-destination failures
	// are reported in the results, never as the returned error.
	Dispatch(ctx context.Context, post *models.Post, dests []models.Destination, rep *progress.Reporter) ([]models.DeliveryResult, error)
	// Recover re-dispatches a post after a crash. Destinations with a posted
	// row are skipped; failed rows are reclaimed and tried again.
	Recover(ctx context.Context, postID int64, rep *progress.Reporter) ([]models.DeliveryResult, error)
}

type DispatchOptions struct {
	SequenceDelay time.Duration
	Policies      map[string]config.PlatformPolicy
	// DestinationTimeout bounds the work of one destination once it started.
	DestinationTimeout time.Duration
}

type dispatchService struct {
	ledger   LedgerService
	creds    CredentialService
	registry *publisher.Registry
	media    MediaService
	posts    PostLoader
	opts     DispatchOptions
}

func NewDispatchService(
	ledger LedgerService,
	creds CredentialService,
	registry *publisher.Registry,
	media MediaService,
	posts PostLoader,
	opts DispatchOptions) DispatchService {
	if opts.DestinationTimeout <= 0 {
		opts.DestinationTimeout = 15 * time.Minute
	}
	return &dispatchService{
		ledger:   ledger,
		creds:    creds,
		registry: registry,
		media:    media,
		posts:    posts,
		opts:     opts,
	}
}

// delivery is the work of one destination within one dispatch.
type delivery struct {
	post     *models.Post
	dest     models.Destination
	key      string
	recovery bool
	rep      *progress.Reporter
}

func (d *delivery) emit(stage models.Stage, msg string) { d.rep.Emit(d.key, stage, msg) }

func (d *delivery) result() models.DeliveryResult {
	return models.DeliveryResult{Platform: d.dest.Platform, AccountID: d.dest.AccountID}
}

func DestinationKey(d models.Destination) string {
	return fmt.Sprintf("%s:%d", d.Platform, d.AccountID)
}

func (s *dispatchService) Dispatch(ctx context.Context, post *models.Post, dests []models.Destination, rep *progress.Reporter) ([]models.DeliveryResult, error) {
	return s.run(ctx, post, dests, rep, false)
}

func (s *dispatchService) Recover(ctx context.Context, postID int64, rep *progress.Reporter) ([]models.DeliveryResult, error) {
	post, err := s.posts.Load(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, fmt.Errorf("%w: %d", ErrPostNotFound, postID)
	}
	slog.Info("recovering post", "post_id", postID, "destinations", len(post.Destinations))
	return s.run(ctx, post, post.Destinations, rep, true)
}

func (s *dispatchService) run(ctx context.Context, post *models.Post, dests []models.Destination, rep *progress.Reporter, recovery bool) ([]models.DeliveryResult, error) {
	if post == nil {
		return nil, errors.New("dispatch: nil post")
	}
	snapshot := clonePost(post)

	tracked := make([]progress.Destination, len(dests))
	for i, d := range dests {
		tracked[i] = progress.Destination{Key: DestinationKey(d), Platform: d.Platform, AccountID: d.AccountID}
	}
	rep.Track(tracked...)

	results := make([]models.DeliveryResult, len(dests))
	done := make(chan int, len(dests))
	started := 0
	for i, dest := range dests {
		d := &delivery{post: snapshot, dest: dest, key: tracked[i].Key, recovery: recovery, rep: rep}
		if err := ctx.Err(); err != nil {
			results[i] = cancelled(d, err)
			continue
		}
		started++
		go func(i int) {
			// Started work finishes even if the caller goes away, so the
			// ledger row always reaches a terminal state.
			work, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DestinationTimeout)
			defer cancel()
			results[i] = s.deliver(work, ctx, d)
			done <- i
		}(i)
	}
	for ; started > 0; started-- {
		<-done
	}

	agg := rep.Snapshot()
	slog.Info("dispatch finished", "post_id", snapshot.ID, "destinations", len(dests), "succeeded", agg.Succeeded, "failed", agg.Failed, "recovery", recovery)
	return results, nil
}

func cancelled(d *delivery, err error) models.DeliveryResult {
	r := d.result()
	r.Error = "dispatch cancelled before start: " + err.Error()
	r.ErrorKind = string(apperr.KindTransient)
	d.emit(models.StageError, r.Error)
	return r
}

// deliver runs one destination. work carries the detached deadline; gate is
// the caller context and only decides whether new parts may start.
func (s *dispatchService) deliver(work, gate context.Context, d *delivery) models.DeliveryResult {
	pub, ok := s.registry.Get(d.dest.Platform)
	if !ok {
		return rejected(d, errors.New("no adapter registered for platform"))
	}

	parts := contentParts(d.post, d.dest.Platform, s.registry.Threads(d.dest.Platform))
	switch {
	case len(parts) == 0:
		return rejected(d, errors.New("every thread part is empty"))
	case len(parts) > 1:
		return s.deliverSequence(work, gate, d, pub, parts)
	}
	return s.deliverSingle(work, d, pub, parts[0])
}

// rejected reports a destination that cannot be attempted. No ledger row is
// written since nothing was sent.
func rejected(d *delivery, cause error) models.DeliveryResult {
	r := d.result()
	err := apperr.Validation(d.dest.Platform, "dispatch", cause)
	r.Error, r.ErrorKind = err.Error(), string(err.Kind)
	d.emit(models.StageError, r.Error)
	return r
}

func (s *dispatchService) deliverSingle(ctx context.Context, d *delivery, pub publisher.Publisher, text string) models.DeliveryResult {
	ref := AttemptRef{PostID: d.post.ID, Platform: d.dest.Platform, AccountID: d.dest.AccountID}
	key := ref.Key()

	rec, err := s.ledger.Record(ctx, ref)
	if err != nil {
		return s.unrecorded(d, err)
	}
	if !rec.IsNew {
		if proceed, r := s.resume(ctx, d, key, rec.Existing); !proceed {
			d.finish(r)
			return r
		}
	}

	account, err := s.account(ctx, d.dest)
	if err != nil {
		return s.fail(ctx, d, key, err)
	}
	media, err := s.media.Resolve(ctx, d.post.Media)
	if err != nil {
		return s.fail(ctx, d, key, err)
	}

	d.emit(models.StageUploading, "")
	out, err := pub.Publish(ctx, publisher.Request{
		Content:  publisher.Content{Text: text, Title: d.post.Title, Options: d.dest.Options},
		Media:    media,
		Account:  account,
		Progress: func(st models.Stage) { d.emit(st, "") },
	})
	if err != nil {
		return s.fail(ctx, d, key, err)
	}

	s.markSuccess(ctx, key, out)
	r := d.result()
	r.Success = true
	r.ExternalPostID = out.ExternalID
	r.ThumbnailURL = out.ThumbnailURL
	d.finish(r)
	return r
}

// deliverSequence publishes the parts in order on this goroutine, each one a
// reply to the previous. A failed part stops the sequence; earlier parts stay.
func (s *dispatchService) deliverSequence(work, gate context.Context, d *delivery, pub publisher.Publisher, parts []string) models.DeliveryResult {
	seq := &models.SequenceResult{Total: len(parts)}
	r := d.result()
	r.Sequence = seq
	delay := s.sequenceDelay(d.dest.Platform)

	var (
		account     *publisher.Account
		replyTo     string
		lastPublish time.Time
	)
	stop := func(n int, failed bool, err error, msg string) {
		if failed {
			seq.FailedIndex = n
			n++
		}
		for i := n; i <= seq.Total; i++ {
			seq.NotAttempted = append(seq.NotAttempted, i)
		}
		r.Error = msg
		if err != nil {
			r.Error = err.Error()
			r.ErrorKind = string(apperr.KindOf(err))
			r.NeedsReconnect = apperr.NeedsReconnect(err)
		}
	}

	for i, text := range parts {
		n := i + 1
		if err := waitSpacing(gate, lastPublish, delay); err != nil {
			stop(n, false, nil, fmt.Sprintf("dispatch cancelled before part %d", n))
			break
		}

		ref := AttemptRef{PostID: d.post.ID, Platform: d.dest.Platform, AccountID: d.dest.AccountID, PartIndex: n}
		key := ref.Key()
		rec, err := s.ledger.Record(work, ref)
		if err != nil {
			stop(n, true, apperr.Transient(d.dest.Platform, "record_attempt", err), "")
			break
		}
		if !rec.IsNew {
			proceed, prior := s.resume(work, d, key, rec.Existing)
			if !proceed {
				if prior.Success {
					seq.Published = append(seq.Published, n)
					seq.ExternalIDs = append(seq.ExternalIDs, prior.ExternalPostID)
					replyTo = prior.ExternalPostID
					continue
				}
				stop(n, true, nil, prior.Error)
				break
			}
		}

		if account == nil {
			a, err := s.account(work, d.dest)
			if err != nil {
				s.markFailed(work, key, err)
				stop(n, true, err, "")
				break
			}
			account = &a
		}
		var media []publisher.ResolvedMedia
		if i == 0 {
			if media, err = s.media.Resolve(work, d.post.Media); err != nil {
				s.markFailed(work, key, err)
				stop(n, true, err, "")
				break
			}
		}

		d.emit(models.StageUploading, "")
		out, err := pub.Publish(work, publisher.Request{
			Content:  publisher.Content{Text: text, Title: d.post.Title, ReplyToID: replyTo, Options: d.dest.Options},
			Media:    media,
			Account:  *account,
			Progress: func(st models.Stage) { d.emit(st, "") },
		})
		lastPublish = time.Now()
		if err != nil {
			s.markFailed(work, key, err)
			stop(n, true, err, "")
			slog.Warn("sequence stopped", "post_id", d.post.ID, "platform", d.dest.Platform, "account_id", d.dest.AccountID, "part", n, "published", len(seq.Published), "error", err)
			break
		}
		s.markSuccess(work, key, out)
		seq.Published = append(seq.Published, n)
		seq.ExternalIDs = append(seq.ExternalIDs, out.ExternalID)
		replyTo = out.ExternalID
		if i == 0 {
			r.ThumbnailURL = out.ThumbnailURL
		}
	}

	r.Success = len(seq.Published) == seq.Total
	if len(seq.ExternalIDs) > 0 {
		r.ExternalPostID = seq.ExternalIDs[0]
	}
	if !r.Success && seq.Partial() {
		r.Error = fmt.Sprintf("published %d of %d parts: %s", len(seq.Published), seq.Total, r.Error)
	}
	d.finish(r)
	return r
}

// waitSpacing blocks until delay has passed since last, unless gate ends first.
func waitSpacing(gate context.Context, last time.Time, delay time.Duration) error {
	if err := gate.Err(); err != nil {
		return err
	}
	if last.IsZero() {
		return nil
	}
	remaining := delay - time.Since(last)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-gate.Done():
		return gate.Err()
	case <-t.C:
		return nil
	}
}

func (s *dispatchService) sequenceDelay(platform string) time.Duration {
	if p, ok := s.opts.Policies[platform]; ok && p.SequenceDelay > 0 {
		return p.SequenceDelay
	}
	return s.opts.SequenceDelay
}

// resume decides what to do with an attempt that was already recorded. Only
// recovery may take over a failed row; everything else short-circuits.
func (s *dispatchService) resume(ctx context.Context, d *delivery, key string, existing *models.PostAttempt) (bool, models.DeliveryResult) {
	r := d.result()
	r.Deduplicated = true
	switch existing.Status {
	case models.AttemptStatusPosted:
		r.Success = true
		r.ExternalPostID = existing.External()
		return false, r
	case models.AttemptStatusFailed:
		if d.recovery {
			ok, err := s.ledger.Reclaim(ctx, key)
			if err != nil {
				slog.Error("reclaim attempt", "key", key, "error", err)
			}
			if ok {
				return true, r
			}
		}
		r.Error = existing.ErrorText()
		return false, r
	}
	r.Error = "another dispatch of this destination is in flight"
	return false, r
}

func (s *dispatchService) account(ctx context.Context, dest models.Destination) (publisher.Account, error) {
	vt, err := s.creds.EnsureValid(ctx, dest.AccountID)
	if err != nil {
		return publisher.Account{}, err
	}
	if vt.Account == nil || vt.Account.Platform != dest.Platform {
		return publisher.Account{}, apperr.Validation(dest.Platform, "credentials", fmt.Errorf("account %d is not a %s account", dest.AccountID, dest.Platform))
	}
	if vt.Stale {
		slog.Warn("publishing with a token that failed to refresh", "platform", dest.Platform, "account_id", dest.AccountID, "warning", vt.Warning)
	}
	return publisher.Account{
		ID:          vt.Account.ID,
		ExternalID:  vt.Account.AccountID,
		Name:        vt.Account.AccountName,
		AccessToken: vt.Token,
	}, nil
}

func (s *dispatchService) fail(ctx context.Context, d *delivery, key string, err error) models.DeliveryResult {
	s.markFailed(ctx, key, err)
	r := d.result()
	r.Error = err.Error()
	r.ErrorKind = string(apperr.KindOf(err))
	r.NeedsReconnect = apperr.NeedsReconnect(err)
	slog.Warn("delivery failed", "platform", d.dest.Platform, "account_id", d.dest.AccountID, "post_id", d.post.ID, "kind", r.ErrorKind, "error", err)
	d.finish(r)
	return r
}

// unrecorded reports a destination that never got a ledger row, so nothing
// was sent.
func (s *dispatchService) unrecorded(d *delivery, err error) models.DeliveryResult {
	slog.Error("record attempt", "platform", d.dest.Platform, "account_id", d.dest.AccountID, "post_id", d.post.ID, "error", err)
	r := d.result()
	r.Error = err.Error()
	r.ErrorKind = string(apperr.KindTransient)
	d.finish(r)
	return r
}

func (s *dispatchService) markFailed(ctx context.Context, key string, cause error) {
	if err := s.ledger.MarkFailed(ctx, key, cause.Error()); err != nil {
		slog.Error("mark attempt failed", "key", key, "error", err)
	}
}

func (s *dispatchService) markSuccess(ctx context.Context, key string, out *publisher.Outcome) {
	if out.FallbackPublished {
		slog.Warn("published before processing finished", "key", key, "external_id", out.ExternalID)
	}
	if err := s.ledger.MarkSuccess(ctx, key, out.ExternalID); err != nil {
		slog.Error("mark attempt posted", "key", key, "external_id", out.ExternalID, "error", err)
	}
}

func (d *delivery) finish(r models.DeliveryResult) {
	if r.Success {
		d.emit(models.StageSuccess, r.ExternalPostID)
		return
	}
	d.emit(models.StageError, r.Error)
}

// PostStatusFor rolls per-destination results up into the post status.
func PostStatusFor(results []models.DeliveryResult) string {
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	switch {
	case len(results) > 0 && ok == len(results):
		return models.PostStatusPosted
	case ok > 0:
		return models.PostStatusPartial
	}
	for _, r := range results {
		if r.Sequence.Partial() {
			return models.PostStatusPartial
		}
	}
	return models.PostStatusFailed
}

func clonePost(p *models.Post) *models.Post {
	c := *p
	c.Overrides = maps.Clone(p.Overrides)
	c.Thread = slices.Clone(p.Thread)
	c.Media = slices.Clone(p.Media)
	c.Destinations = slices.Clone(p.Destinations)
	return &c
}
