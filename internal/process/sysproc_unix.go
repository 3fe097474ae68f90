//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach puts the script into its own process group, so signals sent to the
// agent do not reach it and the group can be interrupted as a whole.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptGroup(p *os.Process) error {
	err := unix.Kill(-p.Pid, unix.SIGINT)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
