package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsPlainAddr(t *testing.T) {
	opts, err := options(ClientConfig{Addr: "localhost:6379", DB: 2, PoolSize: 8, TLSEnabled: true})
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", opts.Addr)
	require.Equal(t, 2, opts.DB)
	require.Equal(t, 8, opts.PoolSize)
	require.NotNil(t, opts.TLSConfig)
}

func TestOptionsURL(t *testing.T) {
	opts, err := options(ClientConfig{Addr: "redis://:secret@cache:6380/3"})
	require.NoError(t, err)
	require.Equal(t, "cache:6380", opts.Addr)
	require.Equal(t, "secret", opts.Password)
	require.Equal(t, 3, opts.DB)
	require.Nil(t, opts.TLSConfig)

	opts, err = options(ClientConfig{Addr: "redis://cache:6380/3", Password: "override", DB: 5})
	require.NoError(t, err)
	require.Equal(t, "override", opts.Password)
	require.Equal(t, 5, opts.DB)
}

func TestOptionsBadURL(t *testing.T) {
	_, err := options(ClientConfig{Addr: "http://cache:6379"})
	require.ErrorContains(t, err, "parse url")
}
