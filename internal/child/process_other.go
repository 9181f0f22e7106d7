//go:build !unix

package child

import "os/exec"

// setProcessGroup is a no-op on non-unix platforms: there is no process
// group to join, so signalGraceful/signalKill fall back to signaling the
// child directly rather than its whole group.
func setProcessGroup(cmd *exec.Cmd) {}

func signalGraceful(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func signalKill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
