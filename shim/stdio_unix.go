//go:build unix && !linux

package shim

import (
	"os"

	"golang.org/x/sys/unix"
)

func dupTo(f *os.File, fd int) error {
	return unix.Dup2(int(f.Fd()), fd)
}
