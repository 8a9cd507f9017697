// Command containerd-shim-spin drives the Spin engine outside containerd:
// it runs, precompiles and inspects applications from layer files on disk.
package main

import (
	"context"
	"fmt"
	"os"

	spin "github.com/kate-goldenring/containerd-shim-spin"
)

func main() {
	if err := newRootCommand(spin.Version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
