//go:build windows

package expect

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// configureProcAttr gives the child its own console process group so a
// break event reaches it without hitting the driver.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup maps interrupt and terminate to CTRL_BREAK_EVENT and kill to
// TerminateProcess.
func signalGroup(p *os.Process, sig Signal) error {
	switch sig {
	case SignalInterrupt, SignalTerminate:
		return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.Pid))
	default:
		return p.Kill()
	}
}

func exitStatus(ps *os.ProcessState) int {
	return ps.ExitCode()
}
