// Package storetest opens throwaway stores for tests in other packages.
package storetest

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/steef435/riotx-sdk/internal/dbkey"
	"github.com/steef435/riotx-sdk/internal/store"
	"github.com/stretchr/testify/require"
)

// Cipher returns a cipher over a fixed test key.
func Cipher(t testing.TB) *dbkey.Cipher {
	t.Helper()

	key := make([]byte, dbkey.KeyLen)
	for i := range key {
		key[i] = byte(i + 1)
	}

	c, err := dbkey.NewCipher(key)
	require.NoError(t, err)

	return c
}

// Open opens a store in a temp dir and closes it when the test ends.
func Open(t testing.TB) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "session.db"), Cipher(t), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}
