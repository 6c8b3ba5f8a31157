// Package exitcode provides standardized exit codes for bundlekit
package exitcode

// Exit codes for the bundlekit CLI
const (
	Success       = 0
	GeneralError  = 1
	ConfigError   = 2
	ManifestError = 3
	SyncFailures  = 4
)

// String returns a human-readable description of the exit code
func String(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case ConfigError:
		return "Configuration error"
	case ManifestError:
		return "Manifest error"
	case SyncFailures:
		return "Completed with per-entry failures"
	default:
		return "Unknown error"
	}
}
