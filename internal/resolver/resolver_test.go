package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultName(t *testing.T) {
	cases := map[string]string{
		"darwin/arm64":  "ai-engine-aarch64-apple-darwin",
		"darwin/amd64":  "ai-engine-x86_64-apple-darwin",
		"linux/amd64":   "ai-engine-x86_64-unknown-linux-gnu",
		"linux/arm64":   "ai-engine-aarch64-unknown-linux-gnu",
		"windows/amd64": "ai-engine-x86_64-pc-windows-msvc.exe",
	}
	for in, want := range cases {
		p, err := ParsePlatform(in)
		require.NoError(t, err)
		got, err := DefaultName("ai-engine", p)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestUnsupportedPlatform(t *testing.T) {
	for _, p := range []Platform{{"plan9", "amd64"}, {"linux", "riscv64"}} {
		_, err := DefaultName("w", p)
		assert.ErrorIs(t, err, ErrUnsupportedPlatform, p.String())
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform(" linux/arm64 ")
	require.NoError(t, err)
	assert.Equal(t, Platform{OS: "linux", Arch: "arm64"}, p)
	for _, bad := range []string{"", "linux", "/amd64", "linux/"} {
		_, err := ParsePlatform(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveTableOverridesDefault(t *testing.T) {
	r := Resolver{
		Name: "w",
		Dir:  "/opt/bin",
		Table: map[string]string{
			"linux/amd64":  "custom/worker",
			"darwin/arm64": "/abs/worker",
		},
	}
	got, err := r.Resolve(Platform{"linux", "amd64"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/opt/bin", "custom/worker"), got)

	got, err = r.Resolve(Platform{"darwin", "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "/abs/worker", got)

	got, err = r.Resolve(Platform{"linux", "arm64"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/opt/bin", "w-aarch64-unknown-linux-gnu"), got)
}

func TestResolveWithoutNameOrEntry(t *testing.T) {
	_, err := Resolver{}.Resolve(Platform{"linux", "amd64"})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestResolveBareNameSearchesPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sh on windows")
	}
	r := Resolver{Table: map[string]string{Current().String(): "sh"}}
	got, err := r.Resolve(Current())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got), got)

	r.Table[Current().String()] = "definitely-not-a-real-binary-xyz"
	_, err = r.Resolve(Current())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	name, err := DefaultName("w", Current())
	if errors.Is(err, ErrUnsupportedPlatform) {
		t.Skipf("no default naming for %s", Current())
	}
	r := Resolver{Name: "w", Dir: dir}
	_, err = r.Lookup()
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755))
	got, err := r.Lookup()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, name), got)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	r.Table = map[string]string{Current().String(): "./sub"}
	_, err = r.Lookup()
	assert.ErrorIs(t, err, ErrNotFound)
}
