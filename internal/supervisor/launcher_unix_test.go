//go:build !windows

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidekick/internal/pidfile"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/resolver"
	"github.com/loykin/sidekick/internal/wire"
)

func shellLauncher(t *testing.T, script string) ProcessLauncher {
	t.Helper()
	l, err := NewProcessLauncher(
		resolver.Resolver{Table: map[string]string{resolver.Current().String(): "/bin/sh"}},
		process.Spec{Name: "sh-worker", Args: []string{"-c", script}},
	)
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", l.Spec.Path)
	return l
}

func TestProcessLauncherKillsUnreadyWorker(t *testing.T) {
	sock := socketPath(t)
	client := wire.NewClient(wire.Endpoint{Network: "unix", Address: sock}, wire.Options{Timeout: 100 * time.Millisecond})
	sup := New(shellLauncher(t, "sleep 30"), client, nil, Options{
		ReadyRetries:  3,
		ReadyInterval: 10 * time.Millisecond,
		SocketPath:    sock,
	})

	pidCh := make(chan int, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if sup.Phase() == Starting {
				pidCh <- sup.PID()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	err := sup.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupTimeout)
	assert.Equal(t, NotStarted, sup.Phase())
	select {
	case pid := <-pidCh:
		if pid > 0 {
			assert.Error(t, syscall.Kill(pid, 0), "worker process should be gone")
		}
	case <-time.After(time.Second):
	}
}

func TestProcessLauncherWorkerExitsDuringStartup(t *testing.T) {
	sock := socketPath(t)
	client := wire.NewClient(wire.Endpoint{Network: "unix", Address: sock}, wire.Options{})
	sup := New(shellLauncher(t, "exit 2"), client, nil, Options{
		ReadyRetries:  1000,
		ReadyInterval: 10 * time.Millisecond,
		SocketPath:    sock,
	})
	begin := time.Now()
	err := sup.Start(context.Background())
	require.ErrorIs(t, err, ErrWorkerExited)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestProcessLauncherResolveFailure(t *testing.T) {
	_, err := NewProcessLauncher(resolver.Resolver{Name: "missing", Dir: t.TempDir()}, process.Spec{})
	require.Error(t, err)
	if _, derr := resolver.DefaultName("missing", resolver.Current()); derr == nil {
		assert.ErrorIs(t, err, resolver.ErrNotFound)
	}
}

func TestProcessLauncherResolvesOnce(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	l, err := NewProcessLauncher(resolver.Resolver{Table: map[string]string{resolver.Current().String(): exe}}, process.Spec{})
	require.NoError(t, err)

	// the path stays fixed even when the file later goes away
	require.NoError(t, os.Remove(exe))
	assert.Equal(t, exe, l.Spec.Path)
	sup := New(l, wire.NewClient(wire.Endpoint{Network: "unix", Address: "/nonexistent"}, wire.Options{}), nil, Options{})
	err = sup.Start(context.Background())
	require.ErrorIs(t, err, ErrSpawn)
	assert.Contains(t, err.Error(), exe)

	_, err = ProcessLauncher{}.Launch(context.Background())
	assert.Error(t, err)
}

func TestProcessLauncherReapsOrphanAndTracksPID(t *testing.T) {
	orphan := exec.Command("/bin/sh", "-c", "sleep 30")
	orphan.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, orphan.Start())
	t.Cleanup(func() { _ = syscall.Kill(-orphan.Process.Pid, syscall.SIGKILL) })
	exited := make(chan struct{})
	go func() {
		_ = orphan.Wait()
		close(exited)
	}()

	pf := pidfile.File{Path: filepath.Join(t.TempDir(), "worker.pid")}
	require.NoError(t, pf.Write(orphan.Process.Pid))

	l := shellLauncher(t, "sleep 30")
	l.PIDFile = pf.Path
	l.ReapGrace = time.Second
	w, err := l.Launch(context.Background())
	require.NoError(t, err)

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("orphaned worker was not stopped")
	}

	e, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, w.PID(), e.PID)

	require.NoError(t, w.Terminate())
	require.NoError(t, w.Release())
	_, err = os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err), "pidfile should be removed on release")
}
