//go:build windows

package procexec

import "os/exec"

// setGroupAttrs is a no-op on Windows; process tree cleanup falls back to
// killing only the direct child, since Windows has no POSIX process group
// signal model.
func setGroupAttrs(c *exec.Cmd) {}

// terminateGroup and killGroup fall back to killing only the direct child:
// Windows has no POSIX process-group signal model, so descendants spawned by
// the child are not reachable here.
func terminateGroup(c *exec.Cmd, pgid int) { c.Process.Kill() }

func killGroup(c *exec.Cmd, pgid int) { c.Process.Kill() }
