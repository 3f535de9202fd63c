//go:build windows

package tools

import "os/exec"

func configureProcessGroup(c *exec.Cmd) {
	c.WaitDelay = killGrace
}

func killProcessGroup(c *exec.Cmd) {
	if c.Process != nil {
		_ = c.Process.Kill()
	}
}
