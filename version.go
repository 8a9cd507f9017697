package spin

// Version is set with -ldflags "-X github.com/kate-goldenring/containerd-shim-spin.Version=...".
var Version = "dev"
