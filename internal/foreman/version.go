package foreman

// Set at build time via -ldflags "-X github.com/hexops/foreman/internal/foreman.Version=...".
var (
	Version     = "dev"
	CommitTitle = "dev"
	Date        = "dev"
	GoVersion   = "dev"
)
