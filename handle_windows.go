//go:build windows
// +build windows

package procpipe

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

const errorNoData = syscall.Errno(232)

func configureProcess(*exec.Cmd) {}

func killProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitSignal(*os.ProcessState) string {
	return ""
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.ERROR_BROKEN_PIPE) || errors.Is(err, errorNoData)
}
