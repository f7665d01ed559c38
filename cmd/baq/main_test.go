// cmd/baq/main_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"context"
	"github.com/mmp/baq/backup"
	"github.com/mmp/baq/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCommands(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	repo := t.TempDir()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "dir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "dir", "file"), []byte("contents\n"), 0644))

	idFile := filepath.Join(t.TempDir(), "identity.txt")
	require.NoError(t, run(t, "keygen", idFile))
	b, err := os.ReadFile(idFile)
	require.NoError(t, err)
	var recipient string
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, "# public key: ") {
			recipient = strings.TrimPrefix(line, "# public key: ")
		}
	}
	require.True(t, strings.HasPrefix(recipient, "age1"), string(b))
	// Identity files are never overwritten.
	assert.Error(t, run(t, "keygen", idFile))

	require.NoError(t, run(t, "--backend", repo, "backup", "--recipient", recipient, src))
	require.NoError(t, run(t, "--backend", repo, "list", "--long"))

	ctx := context.Background()
	backend, err := storage.NewDisk(afero.NewOsFs(), repo, nil)
	require.NoError(t, err)
	gens, err := backup.Generations(ctx, backend)
	require.NoError(t, err)
	require.Len(t, gens, 1)

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, run(t, "--backend", repo, "--identity", idFile, "restore", dst))
	got, err := os.ReadFile(filepath.Join(dst, "dir", "file"))
	require.NoError(t, err)
	assert.Equal(t, "contents\n", string(got))

	require.NoError(t, run(t, "--backend", repo, "--identity", idFile, "verify"))
	require.NoError(t, run(t, "--backend", repo, "clean", "--dry-run"))
	require.NoError(t, run(t, "format"))
}

func TestParity(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "identity.txt")
	data := make([]byte, 100000)
	rand.New(rand.NewSource(7)).Read(data)
	require.NoError(t, os.WriteFile(fn, data, 0600))

	require.NoError(t, run(t, "parity", "encode", "--nshards", "4", "--nparity", "2",
		"--hashrate", "1024", fn))
	_, err := os.Stat(fn + ".rs")
	require.NoError(t, err)
	require.NoError(t, run(t, "parity", "check", fn))

	bad := append([]byte(nil), data...)
	bad[5000] ^= 0xff
	require.NoError(t, os.WriteFile(fn, bad, 0600))
	assert.Error(t, run(t, "parity", "check", fn))

	require.NoError(t, run(t, "parity", "restore", fn))
	got, err := os.ReadFile(fn + ".recovered")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}
