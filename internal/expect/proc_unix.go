//go:build !windows

package expect

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcAttr puts the child in its own process group so the whole
// tree can be signalled at once.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func unixSignal(sig Signal) (unix.Signal, error) {
	switch sig {
	case SignalInterrupt:
		return unix.SIGINT, nil
	case SignalTerminate:
		return unix.SIGTERM, nil
	case SignalKill:
		return unix.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unsupported signal %q", sig)
	}
}

// signalGroup signals the process group led by p, falling back to p alone.
func signalGroup(p *os.Process, sig Signal) error {
	s, err := unixSignal(sig)
	if err != nil {
		return err
	}
	if pgid, err := unix.Getpgid(p.Pid); err == nil {
		if err := unix.Kill(-pgid, s); err == nil {
			return nil
		}
	}
	return p.Signal(s)
}

// exitStatus returns -N for a child killed by signal N.
func exitStatus(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}
