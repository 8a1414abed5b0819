package common

// Version is set at build time via -ldflags "-X .../common.Version=...".
var Version = "dev"

// PackageName prefixes prometheus metric names.
const PackageName = "tee_enclave"
