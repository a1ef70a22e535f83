package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/service"
)

type TokenRefreshJob struct {
	creds   service.CredentialService
	timeout time.Duration
}

func NewTokenRefreshJob(creds service.CredentialService, timeout time.Duration) *TokenRefreshJob {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TokenRefreshJob{creds: creds, timeout: timeout}
}

// RefreshTokens refreshes every account whose token is inside its platform's
// refresh window. Throttled accounts are left alone.
func (j *TokenRefreshJob) RefreshTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.creds.RefreshExpiring(ctx)
	if err != nil {
		slog.Error("token refresh run failed", "refreshed", n, "error", err)
		return
	}
	if n > 0 {
		slog.Info("refreshed expiring tokens", "count", n)
	}
}
