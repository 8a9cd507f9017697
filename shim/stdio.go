package shim

import "os"

// Stdio holds the container's standard streams. Redirect makes them the
// process's descriptors 0, 1 and 2 so guests and logs reach the container.
type Stdio struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Redirect duplicates each non-nil stream onto its standard descriptor.
func (s Stdio) Redirect() error {
	for fd, f := range []*os.File{s.Stdin, s.Stdout, s.Stderr} {
		if f == nil {
			continue
		}
		if err := dupTo(f, fd); err != nil {
			return err
		}
	}
	return nil
}
