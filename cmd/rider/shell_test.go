package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-rider-client/channel"
	"github.com/jrsteele09/go-rider-client/client"
	credstorefake "github.com/jrsteele09/go-rider-client/credstore/repofake"
	"github.com/jrsteele09/go-rider-client/internal/config"
	"github.com/jrsteele09/go-rider-client/orders"
	"github.com/jrsteele09/go-rider-client/riderapi/fakeserver"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

const (
	testRiderEmail    = "rider@example.com"
	testRiderPassword = "secret"
)

type testFixture struct {
	server *fakeserver.Server
	client *client.Client
	shell  *shell
	out    *bytes.Buffer
	ctx    context.Context
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	srv := fakeserver.New()
	t.Cleanup(srv.Close)
	srv.AddRider(testRiderEmail, "Kim", testRiderPassword)

	t.Setenv("RIDER_API_URL", srv.URL())
	t.Setenv("RIDER_WS_URL", "")
	cfg, err := config.New()
	require.NoError(t, err)

	c, err := client.New(cfg, credstorefake.NewFakeStore())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	_, err = c.Start(ctx)
	require.NoError(t, err)
	_, err = c.Auth().Login(ctx, testRiderEmail, testRiderPassword)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return &testFixture{
		server: srv,
		client: c,
		shell:  newShell(c, out, language.Korean, false),
		out:    out,
		ctx:    ctx,
	}
}

func (f *testFixture) offer(t *testing.T, o orders.Order) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.client.Channel().State() == channel.Connected && f.server.SocketCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.server.PushOrder(o))
	require.Eventually(t, func() bool {
		return len(f.client.Ledger().Snapshot().Available) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShell_PriceFormatting(t *testing.T) {
	sh := newShell(nil, &bytes.Buffer{}, language.Korean, false)

	require.Equal(t, "5,000 won", sh.price(5000))
	require.Equal(t, "1,234,567 won", sh.price(1234567))
}

func TestShell_AcceptAndList(t *testing.T) {
	f := setupTestFixture(t)
	f.offer(t, orders.Order{ID: "A1", Price: 5000})

	require.False(t, f.shell.execute(f.ctx, "accept A1"))
	require.Contains(t, f.out.String(), "accepted A1")

	f.out.Reset()
	require.False(t, f.shell.execute(f.ctx, "list"))
	require.Contains(t, f.out.String(), "claimed (1)")
	require.Contains(t, f.out.String(), "A1  5,000 won")
}

func TestShell_RejectAndUsage(t *testing.T) {
	f := setupTestFixture(t)
	f.offer(t, orders.Order{ID: "A1", Price: 5000})

	require.False(t, f.shell.execute(f.ctx, "reject"))
	require.Contains(t, f.out.String(), "usage: reject <id>")

	require.False(t, f.shell.execute(f.ctx, "reject A1"))
	require.Empty(t, f.client.Ledger().Snapshot().Available)

	require.False(t, f.shell.execute(f.ctx, "dance"))
	require.Contains(t, f.out.String(), `unknown command "dance"`)
}

func TestShell_CompleteAndEarnings(t *testing.T) {
	f := setupTestFixture(t)
	f.offer(t, orders.Order{ID: "A1", Price: 12000})
	require.False(t, f.shell.execute(f.ctx, "accept A1"))

	img := filepath.Join(t.TempDir(), "proof.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0o600))

	require.False(t, f.shell.execute(f.ctx, "complete A1 "+img))
	require.Contains(t, f.out.String(), "completed A1")
	require.Len(t, f.client.Ledger().Snapshot().Completed, 1)

	f.out.Reset()
	require.False(t, f.shell.execute(f.ctx, "earnings"))
	require.Equal(t, "earnings: 12,000 won\n", f.out.String())
}

func TestShell_LogoutAndQuit(t *testing.T) {
	f := setupTestFixture(t)

	require.True(t, f.shell.execute(f.ctx, "quit"))
	require.True(t, f.shell.execute(f.ctx, "logout"))
	require.False(t, f.client.Session().IsAuthenticated())
}

func TestShell_RunStopsAtEndOfInput(t *testing.T) {
	f := setupTestFixture(t)

	err := f.shell.run(f.ctx, strings.NewReader("help\nlist\n"))
	require.NoError(t, err)
	require.Contains(t, f.out.String(), "available (0)")
}
