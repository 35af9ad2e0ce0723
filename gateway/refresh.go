package gateway

import (
	"context"
	"fmt"

	"github.com/jrsteele09/go-rider-client/credstore"
	"github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/sessions"
	"golang.org/x/oauth2"
)

// refresh returns an access token newer than the one of usedGeneration.
// Concurrent callers share a single refresh call. A caller whose expiry answer
// arrives after another refresh already replaced its token reuses that token.
func (g *Gateway) refresh(ctx context.Context, usedGeneration uint64) (*oauth2.Token, error) {
	if tok, generation := g.session.AccessTokenWithGeneration(); tok != nil && generation != usedGeneration {
		return tok, nil
	}

	ch := g.refreshGroup.DoChan(refreshKey, func() (any, error) {
		if tok, generation := g.session.AccessTokenWithGeneration(); tok != nil && generation != usedGeneration {
			return tok, nil
		}
		// The shared refresh must not die with whichever caller started it.
		return g.refreshSession(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for token refresh: %w", errors.ErrNetwork, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (g *Gateway) refreshSession(ctx context.Context) (*oauth2.Token, error) {
	refreshToken, ok, err := g.store.Get(ctx, credstore.RefreshTokenKey)
	if err != nil {
		cause := fmt.Errorf("%w: read refresh credential: %w", errors.ErrSessionExpired, err)
		g.teardown(ctx, cause)
		return nil, cause
	}
	if !ok || refreshToken == "" {
		cause := errors.Wrapf(errors.ErrSessionExpired, "no refresh credential")
		g.teardown(ctx, cause)
		return nil, cause
	}

	grant, err := g.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, errors.ErrNetwork) {
			// Transient: keep the session, the caller may retry.
			return nil, err
		}
		cause := fmt.Errorf("%w: %w", errors.ErrSessionExpired, err)
		g.teardown(ctx, cause)
		return nil, cause
	}

	tok := sessions.NewAccessToken(grant.AccessToken)
	if !g.session.SetAccessToken(tok) {
		return nil, errors.Wrapf(errors.ErrNotAuthenticated, "session ended during refresh")
	}

	g.logger.Info().Msg("access token refreshed")
	return tok, nil
}

// teardown destroys the session after the refresh credential proved unusable.
func (g *Gateway) teardown(ctx context.Context, cause error) {
	g.logger.Warn().Err(cause).Msg("session torn down")

	g.session.Clear()
	if err := g.store.Remove(ctx, credstore.RefreshTokenKey); err != nil {
		g.logger.Error().Err(err).Msg("failed to remove refresh credential")
	}

	g.hooksMu.Lock()
	hooks := append([]func(error){}, g.onTeardown...)
	g.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(cause)
	}
}
