// Package linkhealth implements URL resolution and the link health
// registry: resolving signed CDN URLs from the Netdisk port, scoring them,
// and deciding when a file's active URL needs to rotate.
package linkhealth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tachyon-dl/downloader/internal/downloaderr"
	"github.com/tachyon-dl/downloader/internal/netdisk"
)

// Provider resolves and rotates signed download URLs for a file handle via
// the Netdisk port. Only RateLimited failures are retried here; Auth,
// NotFound and Transport failures are surfaced directly for the caller
// (the link health registry) to decide what to do next.
type Provider struct {
	port   netdisk.Port
	logger *slog.Logger
}

func NewProvider(port netdisk.Port, logger *slog.Logger) *Provider {
	return &Provider{port: port, logger: logger}
}

// Resolved is a URL with its upstream expiry.
type Resolved struct {
	URL       string
	ExpiresAt time.Time
}

// Resolve obtains a signed URL for handle, retrying RateLimited errors with
// exponential backoff and jitter.
func (p *Provider) Resolve(ctx context.Context, handle netdisk.FileHandle) (Resolved, error) {
	return p.resolveWithRetry(ctx, handle)
}

// ForceRefresh bypasses any short-term cache a real Netdisk port might keep
// and re-resolves unconditionally. The Stub port has no cache to bypass, so
// this is identical to Resolve for it, but the method is kept distinct
// because a real Port implementation is expected to differentiate.
func (p *Provider) ForceRefresh(ctx context.Context, handle netdisk.FileHandle) (Resolved, error) {
	return p.resolveWithRetry(ctx, handle)
}

func (p *Provider) resolveWithRetry(ctx context.Context, handle netdisk.FileHandle) (Resolved, error) {
	var out Resolved

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 5), ctx)

	err := backoff.Retry(func() error {
		r, err := p.port.ResolveURL(ctx, handle)
		if err != nil {
			kind := downloaderr.Classify(err)
			if kind != downloaderr.KindRateLimited {
				return backoff.Permanent(err)
			}
			p.logger.Warn("url resolve rate limited, retrying", "fs_id", handle.FSID)
			return err
		}
		out = Resolved{URL: r.URL, ExpiresAt: r.ExpiresAt}
		return nil
	}, policy)

	if err != nil {
		return Resolved{}, fmt.Errorf("linkhealth: resolve %s: %w", handle.FSID, err)
	}
	return out, nil
}
