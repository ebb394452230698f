//go:build !windows

package process

import (
	"io/fs"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so that
// stop signals reach everything it spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func isExecutable(fi fs.FileInfo) bool { return fi.Mode().Perm()&0o111 != 0 }
