package auth_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/jrsteele09/go-rider-client/auth"
	"github.com/jrsteele09/go-rider-client/credstore"
	credstorefake "github.com/jrsteele09/go-rider-client/credstore/repofake"
	"github.com/jrsteele09/go-rider-client/gateway"
	"github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/riderapi"
	"github.com/jrsteele09/go-rider-client/riderapi/fakeserver"
	"github.com/jrsteele09/go-rider-client/sessions"
	"github.com/stretchr/testify/require"
)

const (
	testUserEmail    = "john.doe@example.com"
	testUserName     = "John Doe"
	testUserPassword = "password123"
)

// testFixture holds all test dependencies
type testFixture struct {
	server  *fakeserver.Server
	session *sessions.State
	store   *credstorefake.FakeStore
	service *auth.Service
}

// setupTestFixture creates a new test fixture with all dependencies
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	srv := fakeserver.New()
	t.Cleanup(srv.Close)
	srv.AddRider(testUserEmail, testUserName, testUserPassword)

	session := sessions.New()
	store := credstorefake.NewFakeStore()
	gw, err := gateway.New(srv.URL(), session, store)
	require.NoError(t, err)

	service, err := auth.NewService(auth.Deps{
		API:     riderapi.New(gw),
		Session: session,
		Store:   store,
	})
	require.NoError(t, err)

	return &testFixture{server: srv, session: session, store: store, service: service}
}

func (f *testFixture) storedRefreshToken(t *testing.T) (string, bool) {
	t.Helper()
	v, ok, err := f.store.Get(context.Background(), credstore.RefreshTokenKey)
	require.NoError(t, err)
	return v, ok
}

func TestNewService_Validation(t *testing.T) {
	f := setupTestFixture(t)
	gw, err := gateway.New(f.server.URL(), f.session, f.store)
	require.NoError(t, err)
	api := riderapi.New(gw)

	tests := []struct {
		name string
		deps auth.Deps
	}{
		{"missing api", auth.Deps{Session: f.session, Store: f.store}},
		{"missing session", auth.Deps{API: api, Store: f.store}},
		{"missing store", auth.Deps{API: api, Session: f.session}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.NewService(tt.deps)
			require.Error(t, err)
		})
	}
}

func TestLogin_Success(t *testing.T) {
	f := setupTestFixture(t)

	identity, err := f.service.Login(context.Background(), testUserEmail, testUserPassword)
	require.NoError(t, err)
	require.Equal(t, sessions.Identity{Name: testUserName, Email: testUserEmail}, identity)

	require.True(t, f.session.IsAuthenticated())
	require.Equal(t, identity, f.session.Identity())
	tok := f.session.AccessToken()
	require.NotNil(t, tok)
	require.True(t, tok.Valid())

	refresh, ok := f.storedRefreshToken(t)
	require.True(t, ok)
	require.NotEmpty(t, refresh)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.service.Login(context.Background(), testUserEmail, "wrong")
	require.ErrorIs(t, err, errors.ErrInvalidCredentials)
	require.False(t, f.session.IsAuthenticated())

	_, ok := f.storedRefreshToken(t)
	require.False(t, ok)
}

func TestLogin_MissingCredentials(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.service.Login(context.Background(), "  ", testUserPassword)
	require.ErrorIs(t, err, auth.MissingCredentialsErr)
	_, err = f.service.Login(context.Background(), testUserEmail, "")
	require.ErrorIs(t, err, auth.MissingCredentialsErr)
	require.Zero(t, f.server.Hits(riderapi.PathLogin))
}

func TestLogin_StoreFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.store.FailWith(errors.ErrNetwork)

	_, err := f.service.Login(context.Background(), testUserEmail, testUserPassword)
	require.Error(t, err)
	require.False(t, f.session.IsAuthenticated())
}

func TestRestore_NothingStored(t *testing.T) {
	f := setupTestFixture(t)

	restored, err := f.service.Restore(context.Background())
	require.NoError(t, err)
	require.False(t, restored)
	require.False(t, f.session.IsAuthenticated())
	require.Zero(t, f.server.RefreshCalls())
}

func TestRestore_Success(t *testing.T) {
	f := setupTestFixture(t)
	_, refresh := f.server.IssueSession(testUserEmail)
	require.NoError(t, f.store.Set(context.Background(), credstore.RefreshTokenKey, refresh))

	restored, err := f.service.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, restored)
	require.True(t, f.session.IsAuthenticated())
	require.Equal(t, sessions.Identity{Name: testUserName, Email: testUserEmail}, f.session.Identity())

	stored, ok := f.storedRefreshToken(t)
	require.True(t, ok)
	require.Equal(t, refresh, stored)
}

func TestRestore_ExpiredRefreshToken(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(context.Background(), credstore.RefreshTokenKey, "revoked"))

	restored, err := f.service.Restore(context.Background())
	require.ErrorIs(t, err, errors.ErrSessionExpired)
	require.False(t, restored)
	require.False(t, f.session.IsAuthenticated())

	_, ok := f.storedRefreshToken(t)
	require.False(t, ok)
}

func TestRestore_ServiceUnavailableKeepsCredential(t *testing.T) {
	f := setupTestFixture(t)
	_, refresh := f.server.IssueSession(testUserEmail)
	require.NoError(t, f.store.Set(context.Background(), credstore.RefreshTokenKey, refresh))
	f.server.Close()

	restored, err := f.service.Restore(context.Background())
	require.ErrorIs(t, err, errors.ErrNetwork)
	require.False(t, restored)

	_, ok := f.storedRefreshToken(t)
	require.True(t, ok)
}

func TestLogout(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	_, err := f.service.Login(ctx, testUserEmail, testUserPassword)
	require.NoError(t, err)
	refresh, _ := f.storedRefreshToken(t)

	var changes []sessions.Change
	f.session.Subscribe(func(s sessions.Snapshot) { changes = append(changes, s.Change) })

	require.NoError(t, f.service.Logout(ctx))
	require.False(t, f.session.IsAuthenticated())
	require.Equal(t, []sessions.Change{sessions.LoggedOut}, changes)
	require.Equal(t, 1, f.server.Hits(riderapi.PathLogout))

	_, ok := f.storedRefreshToken(t)
	require.False(t, ok)

	// The service forgot the refresh credential too.
	require.NoError(t, f.store.Set(ctx, credstore.RefreshTokenKey, refresh))
	_, err = f.service.Restore(ctx)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
}

func TestLogout_RemoteFailureStillClearsLocally(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	_, err := f.service.Login(ctx, testUserEmail, testUserPassword)
	require.NoError(t, err)
	f.server.FailNext(riderapi.PathLogout, http.StatusInternalServerError, "boom")

	require.NoError(t, f.service.Logout(ctx))
	require.False(t, f.session.IsAuthenticated())
	_, ok := f.storedRefreshToken(t)
	require.False(t, ok)
}

func TestLogout_WithoutSession(t *testing.T) {
	f := setupTestFixture(t)

	require.NoError(t, f.service.Logout(context.Background()))
	require.Zero(t, f.server.Hits(riderapi.PathLogout))
}
