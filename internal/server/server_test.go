package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packd-dev/packd/internal/config"
	pkderrors "github.com/packd-dev/packd/internal/errors"
	"github.com/packd-dev/packd/internal/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	srv := New(config.Default(), logging.NewTestLogger())
	require.NoError(t, srv.Listen(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return srv
}

func TestServerURLBeforeListen(t *testing.T) {
	srv := New(config.Default(), logging.NewTestLogger())

	_, err := srv.ServerURL()

	require.Error(t, err)
	assert.True(t, pkderrors.IsPrecondition(err))
}

func TestCloseBeforeListen(t *testing.T) {
	srv := New(config.Default(), logging.NewTestLogger())

	err := srv.Close(context.Background())

	require.Error(t, err)
	assert.True(t, pkderrors.IsPrecondition(err))
}

func TestListenBindsEphemeralLoopback(t *testing.T) {
	srv := newTestServer(t)

	url, err := srv.ServerURL()
	require.NoError(t, err)
	assert.Regexp(t, `^http://127\.0\.0\.1:\d+$`, url)

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenTwice(t *testing.T) {
	srv := newTestServer(t)

	err := srv.Listen(context.Background())
	require.Error(t, err)
}

func TestCloseClearsCompilations(t *testing.T) {
	srv := New(config.Default(), logging.NewTestLogger())
	require.NoError(t, srv.Listen(context.Background()))

	record, err := srv.Compile(nil, previewOptions())
	require.NoError(t, err)
	require.Equal(t, 1, srv.Registry().Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Close(ctx))

	assert.Equal(t, 0, srv.Registry().Len())
	assert.Equal(t, "disposed", string(record.Compilation.State()))

	// Second close is a no-op.
	assert.NoError(t, srv.Close(ctx))
}

func TestUseUnknownCompilation(t *testing.T) {
	srv := newTestServer(t)

	err := srv.Use("ffffffffffffffffffffffffffffffff", http.NotFoundHandler())
	require.Error(t, err)
}
