//go:build windows

package runner

import (
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// setProcessGroup puts the child in its own console process group so a
// later Kill doesn't depend on console signal delivery, which Windows
// doesn't support for arbitrary SIGTERM-equivalents.
func setProcessGroup(attr *syscall.SysProcAttr) {
	attr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

// gracefulSignal has no SIGTERM equivalent on Windows; Kill terminates the
// process immediately.
func gracefulSignal(proc *os.Process) error {
	return proc.Kill()
}

// forceSignal is identical to gracefulSignal on Windows.
func forceSignal(proc *os.Process) error {
	return proc.Kill()
}

// processIsAlive checks liveness via a process handle and exit code, since
// Windows has no null-signal convention.
func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(handle) }()

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	const stillActive = 259
	return exitCode == stillActive
}
