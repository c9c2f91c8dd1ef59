package store

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/pkg/errors"
)

func exercise(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "edge-wallet:connection")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Set(ctx, "edge-wallet:connection", `{"account":"0xabc"}`))
	v, err := s.Get(ctx, "edge-wallet:connection")
	require.NoError(t, err)
	require.Equal(t, `{"account":"0xabc"}`, v)

	require.NoError(t, s.Set(ctx, "edge-wallet:connection", `{"account":"0xdef"}`))
	v, err = s.Get(ctx, "edge-wallet:connection")
	require.NoError(t, err)
	require.Equal(t, `{"account":"0xdef"}`, v)

	require.NoError(t, s.Remove(ctx, "edge-wallet:connection"))
	require.NoError(t, s.Remove(ctx, "edge-wallet:connection"))
	_, err = s.Get(ctx, "edge-wallet:connection")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exercise(t, m)
	require.Empty(t, m.Keys())
}

func TestLevelDB(t *testing.T) {
	l, err := OpenLevelDB(filepath.Join(t.TempDir(), "wallet"))
	require.NoError(t, err)
	defer l.Close()
	exercise(t, l)
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet")
	ctx := context.Background()

	l, err := OpenLevelDB(path)
	require.NoError(t, err)
	require.NoError(t, l.Set(ctx, "k", "v"))
	require.NoError(t, l.Close())

	l, err = OpenLevelDB(path)
	require.NoError(t, err)
	defer l.Close()
	v, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestLevelDBCancelledContext(t *testing.T) {
	l, err := OpenLevelDB(filepath.Join(t.TempDir(), "wallet"))
	require.NoError(t, err)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Set(ctx, "k", "v"), context.Canceled)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.Store{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)

	s, err = Open(ctx, config.Store{Driver: "leveldb", Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	require.IsType(t, &LevelDB{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.Store{Driver: "etcd"})
	require.Error(t, err)
}

// TestRedis needs a live server, e.g. EDGE_WALLET_TEST_REDIS=127.0.0.1:6379.
func TestRedis(t *testing.T) {
	addr := os.Getenv("EDGE_WALLET_TEST_REDIS")
	if addr == "" {
		t.Skip("EDGE_WALLET_TEST_REDIS not set")
	}
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	s, err := Open(context.Background(), config.Store{
		Driver: "redis",
		Redis:  config.DBCredential{Address: host, Port: port, Database: "15"},
	})
	require.NoError(t, err)
	defer s.Close()
	exercise(t, s)
}
