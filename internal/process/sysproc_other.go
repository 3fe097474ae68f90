//go:build !unix && !windows

package process

import (
	"os"
	"os/exec"
)

func detach(*exec.Cmd) {}

func interruptGroup(p *os.Process) error {
	return p.Signal(os.Interrupt)
}
