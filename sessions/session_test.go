package sessions_test

import (
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-rider-client/sessions"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testIdentity = sessions.Identity{Name: "Kim", Email: "rider@example.com"}

func TestState_Lifecycle(t *testing.T) {
	s := sessions.New()
	require.False(t, s.IsAuthenticated())
	require.Nil(t, s.AccessToken())

	var got []sessions.Snapshot
	unsubscribe := s.Subscribe(func(snap sessions.Snapshot) { got = append(got, snap) })

	s.Login(testIdentity, &oauth2.Token{AccessToken: "access-1"})
	require.True(t, s.IsAuthenticated())
	require.Equal(t, testIdentity, s.Identity())
	require.Equal(t, "access-1", s.AccessToken().AccessToken)

	require.True(t, s.SetAccessToken(&oauth2.Token{AccessToken: "access-2"}))
	require.Equal(t, "access-2", s.AccessToken().AccessToken)

	s.Clear()
	require.False(t, s.IsAuthenticated())
	require.Equal(t, sessions.Identity{}, s.Identity())

	require.Len(t, got, 3)
	require.Equal(t, sessions.LoggedIn, got[0].Change)
	require.True(t, got[0].Authenticated)
	require.Equal(t, sessions.TokenRefreshed, got[1].Change)
	require.Greater(t, got[1].Generation, got[0].Generation)
	require.Equal(t, sessions.LoggedOut, got[2].Change)
	require.False(t, got[2].Authenticated)

	unsubscribe()
	s.Login(testIdentity, &oauth2.Token{AccessToken: "access-3"})
	require.Len(t, got, 3)
}

func TestState_SetAccessTokenWhileLoggedOut(t *testing.T) {
	s := sessions.New()
	require.False(t, s.SetAccessToken(&oauth2.Token{AccessToken: "late"}))
	require.False(t, s.IsAuthenticated())
}

func TestState_ClearTwiceNotifiesOnce(t *testing.T) {
	s := sessions.New()
	s.Login(testIdentity, &oauth2.Token{AccessToken: "access-1"})

	calls := 0
	s.Subscribe(func(sessions.Snapshot) { calls++ })
	s.Clear()
	s.Clear()
	require.Equal(t, 1, calls)
}

func TestState_ReturnsCopies(t *testing.T) {
	s := sessions.New()
	s.Login(testIdentity, &oauth2.Token{AccessToken: "access-1"})

	tok := s.AccessToken()
	tok.AccessToken = "mutated"
	require.Equal(t, "access-1", s.AccessToken().AccessToken)
}

func TestState_ConcurrentReadersSeeWholeTokens(t *testing.T) {
	s := sessions.New()
	s.Login(testIdentity, &oauth2.Token{AccessToken: "access-0", TokenType: "Bearer"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tok, gen := s.AccessTokenWithGeneration()
				if tok == nil || tok.TokenType != "Bearer" || gen == 0 {
					t.Errorf("torn read: %+v generation %d", tok, gen)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		s.SetAccessToken(&oauth2.Token{AccessToken: "access-n", TokenType: "Bearer"})
	}
	wg.Wait()
}

func TestNewAccessToken(t *testing.T) {
	t.Run("jwt expiry", func(t *testing.T) {
		exp := time.Now().Add(time.Hour).Truncate(time.Second)
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "rider@example.com",
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString([]byte("key"))
		require.NoError(t, err)

		tok := sessions.NewAccessToken(raw)
		require.Equal(t, raw, tok.AccessToken)
		require.Equal(t, "Bearer", tok.Type())
		require.True(t, exp.Equal(tok.Expiry))
		require.True(t, tok.Valid())
	})

	t.Run("opaque", func(t *testing.T) {
		tok := sessions.NewAccessToken("opaque-token")
		require.True(t, tok.Expiry.IsZero())
		require.True(t, tok.Valid())
	})

	t.Run("empty", func(t *testing.T) {
		require.Nil(t, sessions.NewAccessToken(" "))
	})
}
