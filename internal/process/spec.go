package process

import (
	"log/slog"
	"os/exec"

	"github.com/loykin/sidekick/internal/logger"
)

// Spec describes how to launch the worker.
type Spec struct {
	Name    string
	Path    string
	Args    []string
	WorkDir string
	// Env is the complete child environment in KEY=VALUE form. Nil inherits
	// the parent's environment.
	Env []string
	// Output configures rotated files for stdout and stderr.
	Output logger.FileConfig
	// Log receives worker output one line per record. Nil disables the relay.
	Log *slog.Logger
}

// BuildCommand returns an unstarted command for the spec.
func (s Spec) BuildCommand() *exec.Cmd {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.WorkDir
	cmd.Env = s.Env
	configureSysProcAttr(cmd)
	return cmd
}

func (s Spec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return "worker"
}
