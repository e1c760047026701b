package main

// Exit codes let wrapper scripts tell configuration problems from failed extractions.
const (
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates a generic error (default)
	ExitCodeGeneralError = 1

	// ExitCodeConfigError indicates configuration loading or validation failed
	ExitCodeConfigError = 2

	// ExitCodeJournalLocked indicates the run journal is held by another process
	ExitCodeJournalLocked = 3

	// ExitCodeExtractionFailed indicates the browser login produced no token
	ExitCodeExtractionFailed = 4
)

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// exitCodeDescription returns a human-readable description of the exit code
func exitCodeDescription(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "Success"
	case ExitCodeGeneralError:
		return "General error"
	case ExitCodeConfigError:
		return "Configuration error"
	case ExitCodeJournalLocked:
		return "Run journal locked by another process"
	case ExitCodeExtractionFailed:
		return "Token extraction failed"
	default:
		return "Unknown error"
	}
}
