package common

// PackageName is used as the metrics namespace and default service tag.
const PackageName = "tpm_enrollment_backend"

// Version is set at build time via -ldflags.
var Version = "dev"
