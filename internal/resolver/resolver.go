// Package resolver picks the worker executable for the running platform.
//
// Executables are looked up in a table keyed by "goos/goarch". When the table
// has no entry, the default release naming is used:
// <name>-<arch>-<os-triple>[.exe] inside Dir.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrNotFound            = errors.New("worker executable not found")
)

// Platform identifies an OS/architecture pair using Go's names.
type Platform struct {
	OS   string
	Arch string
}

// Current returns the platform this binary was built for.
func Current() Platform { return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH} }

// ParsePlatform accepts "goos/goarch".
func ParsePlatform(s string) (Platform, error) {
	osName, arch, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || osName == "" || arch == "" {
		return Platform{}, fmt.Errorf("invalid platform %q, want goos/goarch", s)
	}
	return Platform{OS: osName, Arch: arch}, nil
}

func (p Platform) String() string { return p.OS + "/" + p.Arch }

var archNames = map[string]string{
	"amd64": "x86_64",
	"arm64": "aarch64",
}

var osTriples = map[string]string{
	"darwin":  "apple-darwin",
	"linux":   "unknown-linux-gnu",
	"windows": "pc-windows-msvc",
}

// Triple returns the target triple for p, e.g. "aarch64-apple-darwin".
func (p Platform) Triple() (string, error) {
	arch, ok := archNames[p.Arch]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
	osTriple, ok := osTriples[p.OS]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
	return arch + "-" + osTriple, nil
}

// DefaultName returns the conventional executable file name for name on p.
func DefaultName(name string, p Platform) (string, error) {
	triple, err := p.Triple()
	if err != nil {
		return "", err
	}
	file := name + "-" + triple
	if p.OS == "windows" {
		file += ".exe"
	}
	return file, nil
}

// Resolver maps platforms to worker executables.
type Resolver struct {
	// Name is the executable base name used for the default naming.
	Name string
	// Dir holds default-named executables and anchors relative table entries.
	Dir string
	// Table overrides the default naming, keyed by "goos/goarch". A value
	// without a path separator is searched in PATH.
	Table map[string]string
}

// Resolve returns the executable path for p without touching the filesystem
// beyond PATH lookups for bare names.
func (r Resolver) Resolve(p Platform) (string, error) {
	if entry, ok := r.Table[p.String()]; ok && entry != "" {
		return r.fromEntry(entry)
	}
	if r.Name == "" {
		return "", fmt.Errorf("%w: no executable configured for %s", ErrUnsupportedPlatform, p)
	}
	file, err := DefaultName(r.Name, p)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.Dir, file), nil
}

func (r Resolver) fromEntry(entry string) (string, error) {
	if !strings.ContainsAny(entry, `/\`) {
		path, err := exec.LookPath(entry)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNotFound, entry, err)
		}
		return path, nil
	}
	if !filepath.IsAbs(entry) && r.Dir != "" {
		entry = filepath.Join(r.Dir, entry)
	}
	return entry, nil
}

// Lookup resolves the executable for the current platform and checks that
// it exists and is not a directory.
func (r Resolver) Lookup() (string, error) {
	path, err := r.Resolve(Current())
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	return path, nil
}
