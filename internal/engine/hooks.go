package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rcarmo/guerite/internal/config"
	"github.com/rcarmo/guerite/internal/docker"
)

// hookSkipExitCode is the conventional "nothing to do" exit status; hooks
// returning it are treated as benign.
const hookSkipExitCode = 75

// runLifecycleHook executes the shell command a container declares for the
// given phase (pre_check, pre_update, post_update, post_check) inside the
// container. Failures log and notify but never abort the action.
func (e *Engine) runLifecycleHook(ctx context.Context, snap *docker.Snapshot, phase string) {
	if !e.cfg.LifecycleHooks {
		return
	}
	command := strings.TrimSpace(snap.Labels[config.LifecyclePrefix+phase])
	if command == "" {
		return
	}

	timeout := int(e.cfg.HookTimeout.Seconds())
	if v, ok := snap.Labels[config.LifecyclePrefix+phase+"_timeout_seconds"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			timeout = n
		}
	}

	e.log.Info("running lifecycle hook", "name", snap.Name, "phase", phase)
	exitCode, output, err := e.docker.ExecContainer(ctx, snap.ID, []string{"/bin/sh", "-c", command}, timeout)
	if err != nil {
		e.log.Warn("lifecycle hook exec failed", "name", snap.Name, "phase", phase, "error", err)
		e.notifier.Append(fmt.Sprintf("Hook %s failed for %s: %v", phase, snap.Name, err))
		return
	}
	if exitCode == hookSkipExitCode {
		e.log.Info("lifecycle hook reported nothing to do", "name", snap.Name, "phase", phase)
		return
	}
	if exitCode != 0 {
		e.log.Warn("lifecycle hook exited non-zero", "name", snap.Name, "phase", phase,
			"exit_code", exitCode, "output", strings.TrimSpace(output))
		e.notifier.Append(fmt.Sprintf("Hook %s for %s exited with code %d", phase, snap.Name, exitCode))
		return
	}
	e.log.Debug("lifecycle hook completed", "name", snap.Name, "phase", phase)
}
