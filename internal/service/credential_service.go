package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/repository"
	"golang.org/x/sync/singleflight"
)

var (
	ErrReconnectRequired = errors.New("account must be reconnected")
	ErrRefreshThrottled  = errors.New("refresh attempted within minimum refresh interval")
)

// TokenSealer encrypts tokens at rest.
type TokenSealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type ExpiryStatus struct {
	NeedsRefresh bool
	IsExpired    bool
	ExpiresAt    time.Time
}

type RefreshResult struct {
	Success     bool
	AccessToken string
	ExpiresAt   time.Time
	Account     *models.SocialAccount
}

// ValidToken is what call sites use. Stale is set when a refresh failed but
// the current token has not expired yet; Warning then says why.
type ValidToken struct {
	Valid     bool
	Token     string
	ExpiresAt time.Time
	Stale     bool
	Warning   string
	Refreshed bool
	Account   *models.SocialAccount
}

type CredentialService interface {
	CheckExpiry(ctx context.Context, accountID int64) (*ExpiryStatus, error)
	Refresh(ctx context.Context, account *models.SocialAccount) (*RefreshResult, error)
	EnsureValid(ctx context.Context, accountID int64) (*ValidToken, error)
	// RefreshExpiring refreshes every account that is due and not throttled.
	RefreshExpiring(ctx context.Context) (int, error)
}

type CredentialOptions struct {
	Policies map[string]config.PlatformPolicy
	Cache    *TokenCache
	Locker   Locker
	LockTTL  time.Duration
}

type credentialService struct {
	accounts   repository.SocialAccountRepository
	refreshers *publisher.Registry
	sealer     TokenSealer
	policies   map[string]config.PlatformPolicy
	cache      *TokenCache
	locker     Locker
	lockTTL    time.Duration
	group      singleflight.Group
	now        func() time.Time
}

func NewCredentialService(
	accounts repository.SocialAccountRepository,
	refreshers *publisher.Registry,
	sealer TokenSealer,
	opts CredentialOptions) CredentialService {
	if opts.Policies == nil {
		opts.Policies = config.DefaultPlatformPolicies()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &credentialService{
		accounts:   accounts,
		refreshers: refreshers,
		sealer:     sealer,
		policies:   opts.Policies,
		cache:      opts.Cache,
		locker:     opts.Locker,
		lockTTL:    opts.LockTTL,
		now:        time.Now,
	}
}

func (s *credentialService) load(ctx context.Context, accountID int64) (*models.SocialAccount, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if acct == nil {
		return nil, apperr.Validation("", "credentials", fmt.Errorf("account %d not found", accountID))
	}
	return acct, nil
}

func (s *credentialService) CheckExpiry(ctx context.Context, accountID int64) (*ExpiryStatus, error) {
	acct, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	st := s.expiry(acct)
	return &st, nil
}

// expiry applies the platform's refresh window. A credential without a
// recorded expiry is always due for refresh.
func (s *credentialService) expiry(acct *models.SocialAccount) ExpiryStatus {
	policy := s.policies[acct.Platform]
	if policy.NoExpiry {
		return ExpiryStatus{}
	}
	if !acct.TokenExpiresAt.Valid {
		return ExpiryStatus{NeedsRefresh: true}
	}
	exp := acct.TokenExpiresAt.Time
	now := s.now()
	expired := !now.Before(exp)
	return ExpiryStatus{
		NeedsRefresh: expired || exp.Sub(now) <= policy.RefreshWindow,
		IsExpired:    expired,
		ExpiresAt:    exp,
	}
}

func (s *credentialService) throttled(acct *models.SocialAccount) bool {
	interval := s.policies[acct.Platform].MinRefreshInterval
	if interval <= 0 || !acct.LastRefreshedAt.Valid {
		return false
	}
	return s.now().Sub(acct.LastRefreshedAt.Time) < interval
}

func (s *credentialService) EnsureValid(ctx context.Context, accountID int64) (*ValidToken, error) {
	acct, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.AccountStatus == models.AccountStatusReconnectNeeded {
		return nil, s.reconnect(acct, errors.New("account was marked for reconnect"))
	}

	st := s.expiry(acct)
	if !st.NeedsRefresh {
		return s.current(acct, st)
	}

	_, canRefresh := s.refreshers.Refresher(acct.Platform)
	switch {
	case !canRefresh:
		if st.IsExpired {
			return nil, s.reconnect(acct, errors.New("token expired and platform has no refresh flow"))
		}
		return s.current(acct, st)
	case st.IsExpired && (!acct.RefreshToken.Valid || acct.RefreshToken.String == ""):
		return nil, s.reconnect(acct, errors.New("token expired and no refresh token is stored"))
	case s.throttled(acct):
		if st.IsExpired {
			return nil, s.reconnect(acct, ErrRefreshThrottled)
		}
		slog.Info("refresh throttled, reusing current token", "account_id", acct.ID, "platform", acct.Platform)
		return s.current(acct, st)
	}

	res, err := s.Refresh(ctx, acct)
	if err != nil {
		if !st.IsExpired {
			slog.Warn("token refresh failed, using current token", "account_id", acct.ID, "platform", acct.Platform, "error", err)
			vt, cerr := s.current(acct, st)
			if cerr != nil {
				return nil, cerr
			}
			vt.Stale = true
			vt.Warning = err.Error()
			return vt, nil
		}
		if apperr.KindOf(err) == apperr.KindAuthExpired {
			if serr := s.accounts.SetStatus(context.WithoutCancel(ctx), acct.ID, models.AccountStatusReconnectNeeded); serr != nil {
				slog.Error("mark account for reconnect", "account_id", acct.ID, "error", serr)
			}
		}
		return nil, s.reconnect(acct, err)
	}

	return &ValidToken{
		Valid:     true,
		Token:     res.AccessToken,
		ExpiresAt: res.ExpiresAt,
		Refreshed: true,
		Account:   res.Account,
	}, nil
}

func (s *credentialService) current(acct *models.SocialAccount, st ExpiryStatus) (*ValidToken, error) {
	token, ok := s.cache.Get(acct.ID, acct.AccessToken)
	if !ok {
		var err error
		token, err = s.sealer.Decrypt(acct.AccessToken)
		if err != nil {
			return nil, apperr.AuthExpired(acct.Platform, "decrypt token", err)
		}
		s.cache.Put(acct.ID, acct.AccessToken, token, st.ExpiresAt)
	}
	return &ValidToken{Valid: true, Token: token, ExpiresAt: st.ExpiresAt, Account: acct}, nil
}

func (s *credentialService) reconnect(acct *models.SocialAccount, cause error) error {
	s.cache.Invalidate(acct.ID)
	return apperr.AuthExpired(acct.Platform, "credentials", fmt.Errorf("%w: %v", ErrReconnectRequired, cause))
}

// Refresh exchanges the stored credential for a new one. Concurrent calls for
// the same account share a single exchange.
func (s *credentialService) Refresh(ctx context.Context, acct *models.SocialAccount) (*RefreshResult, error) {
	if s.throttled(acct) {
		return nil, apperr.Validation(acct.Platform, "refresh", ErrRefreshThrottled)
	}

	v, err, shared := s.group.Do(strconv.FormatInt(acct.ID, 10), func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx), acct)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("shared in-flight refresh", "account_id", acct.ID)
	}
	return v.(*RefreshResult), nil
}

func (s *credentialService) refresh(ctx context.Context, acct *models.SocialAccount) (*RefreshResult, error) {
	refresher, ok := s.refreshers.Refresher(acct.Platform)
	if !ok {
		return nil, apperr.Validation(acct.Platform, "refresh", errors.New("platform does not support token refresh"))
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "refresh:"+strconv.FormatInt(acct.ID, 10), s.lockTTL)
		if errors.Is(err, ErrLockHeld) {
			return s.afterForeignRefresh(ctx, acct)
		}
		if err != nil {
			slog.Warn("refresh lock unavailable, refreshing without it", "account_id", acct.ID, "error", err)
		} else {
			defer release()
		}
	}

	// The caller's copy may predate a refresh that finished meanwhile.
	fresh, err := s.load(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if fresh.AccessToken != acct.AccessToken {
		return s.useStored(fresh)
	}
	acct = fresh

	creds := publisher.Credentials{}
	if creds.AccessToken, err = s.sealer.Decrypt(acct.AccessToken); err != nil {
		return nil, apperr.AuthExpired(acct.Platform, "decrypt token", err)
	}
	if acct.RefreshToken.Valid && acct.RefreshToken.String != "" {
		if creds.RefreshToken, err = s.sealer.Decrypt(acct.RefreshToken.String); err != nil {
			return nil, apperr.AuthExpired(acct.Platform, "decrypt refresh token", err)
		}
	}

	tok, err := refresher.RefreshToken(ctx, creds)
	if err != nil {
		slog.Error("token refresh failed", "account_id", acct.ID, "platform", acct.Platform, "error", err)
		return nil, err
	}

	update := models.TokenUpdate{RefreshedAt: s.now()}
	if update.AccessToken, err = s.sealer.Encrypt(tok.AccessToken); err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" {
		if update.RefreshToken, err = s.sealer.Encrypt(tok.RefreshToken); err != nil {
			return nil, err
		}
	}
	if !tok.ExpiresAt.IsZero() {
		update.ExpiresAt = sql.NullTime{Time: tok.ExpiresAt, Valid: true}
	}

	swapped, err := s.accounts.SetToken(ctx, acct.ID, acct.AccessToken, update)
	if err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	if !swapped {
		// Another worker rotated the token first; theirs is authoritative.
		return s.afterForeignRefresh(ctx, acct)
	}

	updated := *acct
	updated.AccessToken = update.AccessToken
	if update.RefreshToken != "" {
		updated.RefreshToken = sql.NullString{String: update.RefreshToken, Valid: true}
	}
	updated.TokenExpiresAt = update.ExpiresAt
	updated.LastRefreshedAt = sql.NullTime{Time: update.RefreshedAt, Valid: true}
	updated.AccountStatus = models.AccountStatusActive

	s.cache.Put(acct.ID, update.AccessToken, tok.AccessToken, tok.ExpiresAt)
	slog.Info("token refreshed", "account_id", acct.ID, "platform", acct.Platform, "expires_at", tok.ExpiresAt)
	return &RefreshResult{Success: true, AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt, Account: &updated}, nil
}

// afterForeignRefresh re-reads the credential once another worker holds or
// has finished the refresh.
func (s *credentialService) afterForeignRefresh(ctx context.Context, acct *models.SocialAccount) (*RefreshResult, error) {
	fresh, err := s.load(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if fresh.AccessToken == acct.AccessToken {
		return nil, apperr.Transient(acct.Platform, "refresh", errors.New("refresh in progress on another worker"))
	}
	return s.useStored(fresh)
}

func (s *credentialService) useStored(acct *models.SocialAccount) (*RefreshResult, error) {
	token, err := s.sealer.Decrypt(acct.AccessToken)
	if err != nil {
		return nil, apperr.AuthExpired(acct.Platform, "decrypt token", err)
	}
	var exp time.Time
	if acct.TokenExpiresAt.Valid {
		exp = acct.TokenExpiresAt.Time
	}
	s.cache.Put(acct.ID, acct.AccessToken, token, exp)
	return &RefreshResult{Success: true, AccessToken: token, ExpiresAt: exp, Account: acct}, nil
}

func (s *credentialService) RefreshExpiring(ctx context.Context) (int, error) {
	var horizon time.Duration
	for _, p := range s.policies {
		if p.RefreshWindow > horizon {
			horizon = p.RefreshWindow
		}
	}

	accounts, err := s.accounts.ListExpiring(ctx, s.now().Add(horizon))
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, ok := s.refreshers.Refresher(acct.Platform); !ok {
			continue
		}
		st := s.expiry(acct)
		if !st.NeedsRefresh || s.throttled(acct) {
			continue
		}
		if st.IsExpired && (!acct.RefreshToken.Valid || acct.RefreshToken.String == "") {
			continue
		}
		if _, err := s.Refresh(ctx, acct); err != nil {
			if apperr.KindOf(err) == apperr.KindAuthExpired {
				if serr := s.accounts.SetStatus(ctx, acct.ID, models.AccountStatusReconnectNeeded); serr != nil {
					slog.Error("mark account for reconnect", "account_id", acct.ID, "error", serr)
				}
			}
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
