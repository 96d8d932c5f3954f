//go:build !windows

package procexec

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setGroupAttrs places the child in its own process group and session so
// signaling -pgid reaches the whole tree. Setsid alone does both: the new
// session leader also leads a new process group whose id is its own PID.
func setGroupAttrs(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

func terminateGroup(c *exec.Cmd, pgid int) { killGroupWithSignal(pgid, syscall.SIGTERM) }
func killGroup(c *exec.Cmd, pgid int)      { killGroupWithSignal(pgid, syscall.SIGKILL) }

// killGroupWithSignal signals the entire process group rooted at pgid. A
// negative PID targets the group in the POSIX syscall convention. ESRCH (no
// such process) means the group already exited and is not a failure.
func killGroupWithSignal(pgid int, sig syscall.Signal) {
	if err := syscall.Kill(-pgid, sig); err != nil && err != syscall.ESRCH {
		fmt.Fprintf(os.Stderr, "procexec: signaling group %d with %s: %v\n", pgid, sig, err)
	}
}
