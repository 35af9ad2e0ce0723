package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-rider-client/credstore"
	credstorefake "github.com/jrsteele09/go-rider-client/credstore/repofake"
	"github.com/jrsteele09/go-rider-client/gateway"
	"github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/orders"
	"github.com/jrsteele09/go-rider-client/riderapi/fakeserver"
	"github.com/jrsteele09/go-rider-client/sessions"
	"github.com/stretchr/testify/require"
)

const (
	testRiderEmail    = "rider@example.com"
	testRiderName     = "Kim"
	testRiderPassword = "p@ssw0rd!"
)

type testFixture struct {
	server  *fakeserver.Server
	session *sessions.State
	store   *credstorefake.FakeStore
	gateway *gateway.Gateway
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	srv := fakeserver.New()
	t.Cleanup(srv.Close)
	srv.AddRider(testRiderEmail, testRiderName, testRiderPassword)

	session := sessions.New()
	store := credstorefake.NewFakeStore()
	gw, err := gateway.New(srv.URL(), session, store)
	require.NoError(t, err)

	return &testFixture{server: srv, session: session, store: store, gateway: gw}
}

// login puts the fixture in the state a successful login leaves behind.
func (f *testFixture) login(t *testing.T) {
	t.Helper()
	access, refresh := f.server.IssueSession(testRiderEmail)
	require.NoError(t, f.store.Set(context.Background(), credstore.RefreshTokenKey, refresh))
	f.session.Login(sessions.Identity{Name: testRiderName, Email: testRiderEmail}, sessions.NewAccessToken(access))
}

func TestNew_Validation(t *testing.T) {
	_, err := gateway.New("", sessions.New(), credstorefake.NewFakeStore())
	require.Error(t, err)

	_, err = gateway.New("http://localhost", nil, credstorefake.NewFakeStore())
	require.Error(t, err)

	_, err = gateway.New("http://localhost", sessions.New(), nil)
	require.Error(t, err)
}

func TestSend_AttachesAccessToken(t *testing.T) {
	var gotAuth, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		_, _ = w.Write([]byte(`{"data":42}`))
	}))
	defer srv.Close()

	session := sessions.New()
	session.Login(sessions.Identity{Email: testRiderEmail}, sessions.NewAccessToken("access-1"))
	gw, err := gateway.New(srv.URL, session, credstorefake.NewFakeStore())
	require.NoError(t, err)

	resp, err := gw.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/earnings"})
	require.NoError(t, err)
	require.Equal(t, "Bearer access-1", gotAuth)
	require.NotEmpty(t, gotRequestID)
	require.Equal(t, gotRequestID, resp.RequestID)

	var total int64
	require.NoError(t, resp.Decode(&total))
	require.Equal(t, int64(42), total)
}

func TestSend_NotAuthenticated(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.gateway.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/completes"})
	require.ErrorIs(t, err, errors.ErrNotAuthenticated)
	require.Zero(t, f.server.Hits("/completes"))
}

func TestSend_RefreshAndRetryOnExpiry(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	before := f.session.AccessToken().AccessToken
	f.server.ExpireAccessTokens()

	resp, err := f.gateway.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/completes"})
	require.NoError(t, err)

	var completes []orders.Order
	require.NoError(t, resp.Decode(&completes))
	require.Empty(t, completes)

	require.Equal(t, 1, f.server.RefreshCalls())
	require.Equal(t, 2, f.server.Hits("/completes"))
	require.NotEqual(t, before, f.session.AccessToken().AccessToken)
	require.True(t, f.session.IsAuthenticated())
}

func TestSend_SingleFlightRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.server.SetRefreshDelay(100 * time.Millisecond)
	f.server.ExpireAccessTokens()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.gateway.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/earnings"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.server.RefreshCalls())
	// no request is sent more than twice: once stale, once with the refreshed token
	require.LessOrEqual(t, f.server.Hits("/earnings"), 2*n)
	require.Greater(t, f.server.Hits("/earnings"), n)
}

func TestSend_NoRefreshCredential(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	require.NoError(t, f.store.Remove(context.Background(), credstore.RefreshTokenKey))
	f.server.ExpireAccessTokens()

	var torn []error
	f.gateway.OnTeardown(func(cause error) { torn = append(torn, cause) })

	_, err := f.gateway.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/completes"})
	require.ErrorIs(t, err, errors.ErrSessionExpired)
	require.False(t, f.session.IsAuthenticated())
	require.Zero(t, f.server.RefreshCalls())
	require.Len(t, torn, 1)
}

func TestSend_RefreshRejected(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.server.RevokeRefreshTokens()
	f.server.ExpireAccessTokens()

	_, err := f.gateway.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/completes"})
	require.ErrorIs(t, err, errors.ErrSessionExpired)
	require.False(t, f.session.IsAuthenticated())

	_, ok, err := f.store.Get(context.Background(), credstore.RefreshTokenKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSend_ConcurrentRefreshFailureFailsEveryone(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.server.SetRefreshDelay(50 * time.Millisecond)
	f.server.RevokeRefreshTokens()
	f.server.ExpireAccessTokens()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.gateway.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/earnings"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		require.True(t, errors.Is(err, errors.ErrSessionExpired) || errors.Is(err, errors.ErrNotAuthenticated))
	}
	require.LessOrEqual(t, f.server.RefreshCalls(), 1)
	require.False(t, f.session.IsAuthenticated())
}

func TestSend_BusinessErrorsPassThrough(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.server.FailNext("/earnings", http.StatusInternalServerError, "database unavailable")

	resp, err := f.gateway.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/earnings"})
	require.Error(t, err)
	require.NotNil(t, resp)

	var statusErr *gateway.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.Status)
	require.Equal(t, "database unavailable", statusErr.Message)
	require.False(t, statusErr.IsClientError())
	require.Equal(t, 1, f.server.Hits("/earnings"))
	require.Zero(t, f.server.RefreshCalls())
}

func TestSend_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	session := sessions.New()
	session.Login(sessions.Identity{Email: testRiderEmail}, sessions.NewAccessToken("access-1"))
	gw, err := gateway.New(url, session, credstorefake.NewFakeStore(), gateway.WithTimeout(time.Second))
	require.NoError(t, err)

	_, err = gw.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/completes"})
	require.ErrorIs(t, err, errors.ErrNetwork)
	require.True(t, session.IsAuthenticated())
}

func TestSend_ReplaysJSONBodyOnRetry(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.server.AddOrder(orders.Order{ID: "A1", Price: 5000})
	f.server.ExpireAccessTokens()

	_, err := f.gateway.Send(context.Background(), gateway.Request{
		Method: http.MethodPost,
		Path:   "/accept",
		Body:   map[string]string{"orderId": "A1"},
	})
	require.NoError(t, err)
	require.Equal(t, testRiderEmail, f.server.ClaimedBy("A1"))
}

func TestRefreshAccessToken(t *testing.T) {
	f := setupTestFixture(t)
	_, refresh := f.server.IssueSession(testRiderEmail)

	grant, err := f.gateway.RefreshAccessToken(context.Background(), refresh)
	require.NoError(t, err)
	require.NotEmpty(t, grant.AccessToken)
	require.Equal(t, testRiderName, grant.Name)
	require.Equal(t, testRiderEmail, grant.Email)

	_, err = f.gateway.RefreshAccessToken(context.Background(), "unknown")
	var statusErr *gateway.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, gateway.StatusSessionExpired, statusErr.Status)
	require.Equal(t, gateway.CodeExpired, statusErr.Code)
}

func TestDo_DecodesEnvelope(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.server.SetEarnings(testRiderEmail, 12500)

	var total int64
	require.NoError(t, f.gateway.Do(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/earnings"}, &total))
	require.Equal(t, int64(12500), total)

	require.NoError(t, f.gateway.Do(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/earnings"}, nil))
}

func TestSend_RequestIDEchoed(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	resp, err := f.gateway.Send(context.Background(), gateway.Request{Method: http.MethodGet, Path: "/earnings"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.RequestID)
	require.Equal(t, resp.RequestID, resp.Header.Get("X-Request-ID"))
}
