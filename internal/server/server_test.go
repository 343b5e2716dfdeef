package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icap/internal/config"
	"github.com/tokenshield/icap/internal/icaptypes"
	"github.com/tokenshield/icap/internal/pipeline"
)

// allowStage is a no-op Stage that allows everything, used to exercise the
// connection server without pulling in a real filter.
type allowStage struct{}

func (allowStage) Name() string                              { return "allow" }
func (allowStage) WantsBody() bool                            { return false }
func (allowStage) Cancel()                                    {}
func (allowStage) FilterRequestHeaders(ctx context.Context, h *icaptypes.Headers) (icaptypes.Verdict, error) {
	return icaptypes.Allow(), nil
}
func (allowStage) FilterResponseHeaders(ctx context.Context, req, res *icaptypes.Headers) (icaptypes.Verdict, error) {
	return icaptypes.Allow(), nil
}
func (allowStage) FilterBodyChunk(ctx context.Context, chunk []byte, isFinal bool) (icaptypes.Verdict, error) {
	return icaptypes.Allow(), nil
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Listen = "127.0.0.1:0"
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.TransactionDeadline = 2 * time.Second
	cfg.MaxConnections = 1
	cfg.MaxConnectionsPerClient = 1
	cfg.ShutdownGrace = time.Second
	return cfg
}

func startTestServer(t *testing.T, cfg config.Config) (*Server, net.Listener) {
	t.Helper()
	srv := New(cfg, []pipeline.Stage{allowStage{}}, nil, nil, nil)
	l, err := net.Listen("tcp", cfg.Listen)
	require.NoError(t, err)
	go srv.Serve(l)
	return srv, l
}

func TestServeRespondsToOptions(t *testing.T) {
	srv, l := startTestServer(t, testConfig())
	defer srv.Shutdown(context.Background())

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("OPTIONS icap://example.com/filter ICAP/1.0\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "200")
}

func TestAdmitRejectsOverGlobalCap(t *testing.T) {
	cfg := testConfig()
	srv, l := startTestServer(t, cfg)
	defer srv.Shutdown(context.Background())

	first, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	time.Sleep(50 * time.Millisecond) // let the accept loop register the first connection

	second, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Write([]byte("OPTIONS icap://example.com/filter ICAP/1.0\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)
	line, rerr := bufio.NewReader(second).ReadString('\n')
	if rerr == nil {
		assert.Contains(t, line, "503")
	}
}

func TestShutdownDrainsAndClosesListener(t *testing.T) {
	srv, l := startTestServer(t, testConfig())
	err := srv.Shutdown(context.Background())
	assert.NoError(t, err)

	_, dialErr := net.DialTimeout("tcp", l.Addr().String(), 200*time.Millisecond)
	assert.Error(t, dialErr)
}

func TestDeriveISTagStableForSameStages(t *testing.T) {
	cfg := config.Defaults()
	a := deriveISTag(cfg, []pipeline.Stage{allowStage{}})
	b := deriveISTag(cfg, []pipeline.Stage{allowStage{}})
	assert.Equal(t, a, b)
	assert.LessOrEqual(t, len(a), 32)
}

func TestDeriveISTagHonorsConfigOverride(t *testing.T) {
	cfg := config.Defaults()
	cfg.ISTag = "\"fixed-tag\""
	assert.Equal(t, "\"fixed-tag\"", deriveISTag(cfg, nil))
}

func TestShouldCloseHonorsConnectionHeader(t *testing.T) {
	h := icaptypes.NewHeaders()
	h.Set("Connection", "close")
	assert.True(t, shouldClose(h))

	h2 := icaptypes.NewHeaders()
	assert.False(t, shouldClose(h2))
}
