// Package auth drives the session lifecycle: interactive login, silent restore
// from the stored refresh credential at startup, and logout.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-rider-client/credstore"
	"github.com/jrsteele09/go-rider-client/gateway"
	rerrors "github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/riderapi"
	"github.com/jrsteele09/go-rider-client/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// API is the part of the order service contract the Service needs.
type API interface {
	Login(ctx context.Context, email, password string) (*riderapi.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*gateway.TokenGrant, error)
	Logout(ctx context.Context) error
}

// Deps holds all dependencies of the Service
type Deps struct {
	API     API             // Order service contract
	Session *sessions.State // The client's one session
	Store   credstore.Store // Where the refresh credential is kept
}

// Service logs the rider in and out.
type Service struct {
	deps   Deps
	logger zerolog.Logger
}

// ServiceOption defines a function type to modify the Service instance.
type ServiceOption func(*Service)

func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService initializes a new Service with required dependencies.
func NewService(deps Deps, options ...ServiceOption) (*Service, error) {
	if deps.API == nil {
		return nil, errors.New("[NewService] API is required")
	}
	if deps.Session == nil {
		return nil, errors.New("[NewService] Session is required")
	}
	if deps.Store == nil {
		return nil, errors.New("[NewService] Store is required")
	}

	s := &Service{
		deps:   deps,
		logger: zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Login checks the credentials with the order service, keeps the refresh
// credential in the store and starts the session.
func (s *Service) Login(ctx context.Context, email, password string) (sessions.Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return sessions.Identity{}, MissingCredentialsErr
	}

	res, err := s.deps.API.Login(ctx, email, password)
	if err != nil {
		if isRejected(err) {
			return sessions.Identity{}, errors.Wrap(rerrors.ErrInvalidCredentials, err.Error())
		}
		return sessions.Identity{}, errors.Wrap(err, "[Service.Login] API.Login")
	}

	tok := sessions.NewAccessToken(res.AccessToken)
	if tok == nil {
		return sessions.Identity{}, EmptyAccessTokenErr
	}
	if res.RefreshToken == "" {
		return sessions.Identity{}, EmptyRefreshTokenErr
	}
	if err := s.deps.Store.Set(ctx, credstore.RefreshTokenKey, res.RefreshToken); err != nil {
		return sessions.Identity{}, errors.Wrap(err, "[Service.Login] Store.Set")
	}

	identity := sessions.Identity{Name: res.Name, Email: res.Email}
	if identity.Email == "" {
		identity.Email = email
	}
	s.deps.Session.Login(identity, tok)
	s.logger.Info().Str("email", identity.Email).Msg("logged in")
	return identity, nil
}

// Restore silently re-establishes the session from a stored refresh
// credential. It reports false without error when there is nothing to
// restore. A refresh credential the service no longer accepts is removed and
// ErrSessionExpired returned. Any other failure keeps it for the next try.
func (s *Service) Restore(ctx context.Context) (bool, error) {
	refreshToken, ok, err := s.deps.Store.Get(ctx, credstore.RefreshTokenKey)
	if err != nil {
		return false, errors.Wrap(err, "[Service.Restore] Store.Get")
	}
	if !ok || refreshToken == "" {
		return false, nil
	}

	grant, err := s.deps.API.Refresh(ctx, refreshToken)
	if err != nil {
		if !isExpired(err) {
			return false, errors.Wrap(err, "[Service.Restore] API.Refresh")
		}
		if rmErr := s.deps.Store.Remove(ctx, credstore.RefreshTokenKey); rmErr != nil {
			s.logger.Error().Err(rmErr).Msg("failed to remove refresh credential")
		}
		return false, errors.Wrap(rerrors.ErrSessionExpired, err.Error())
	}

	tok := sessions.NewAccessToken(grant.AccessToken)
	if tok == nil {
		return false, EmptyAccessTokenErr
	}
	identity := sessions.Identity{Name: grant.Name, Email: grant.Email}
	s.deps.Session.Login(identity, tok)
	s.logger.Info().Str("email", identity.Email).Msg("session restored")
	return true, nil
}

// Logout tells the order service, then ends the session and forgets the
// refresh credential. The local part happens even if the service call fails.
func (s *Service) Logout(ctx context.Context) error {
	if s.deps.Session.IsAuthenticated() {
		if err := s.deps.API.Logout(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("order service logout failed")
		}
	}

	s.deps.Session.Clear()
	if err := s.deps.Store.Remove(ctx, credstore.RefreshTokenKey); err != nil {
		return errors.Wrap(err, "[Service.Logout] Store.Remove")
	}
	s.logger.Info().Msg("logged out")
	return nil
}

func isRejected(err error) bool {
	var se *gateway.StatusError
	if !rerrors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusUnauthorized || se.Status == http.StatusBadRequest || se.Status == http.StatusNotFound
}

func isExpired(err error) bool {
	var se *gateway.StatusError
	if !rerrors.As(err, &se) {
		return false
	}
	return se.Status == gateway.StatusSessionExpired || se.Status == http.StatusUnauthorized
}
