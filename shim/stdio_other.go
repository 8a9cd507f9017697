//go:build !unix

package shim

import (
	"fmt"
	"os"
)

func dupTo(*os.File, int) error {
	return fmt.Errorf("stdio redirection is only supported on unix hosts")
}
