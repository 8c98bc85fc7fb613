package common

import (
	"encoding/json"
	"errors"
	"os"
)

// Exit codes shared by the tools.
const (
	ExitConfig  = 2
	ExitFailure = 3
	ExitPartial = 4
)

// ErrConfig marks failures caused by the environment rather than the
// operation; Finish exits with ExitConfig for them.
var ErrConfig = errors.New("configuration error")

type CIResult struct {
	OK      bool     `json:"ok"`
	Title   string   `json:"title"`
	Details []string `json:"details,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func PrintCIResult(ok bool, title string, details []string, err error) {
	result := CIResult{OK: ok, Title: title, Details: details}
	if err != nil {
		result.Error = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
}

// Finish prints the CI result when requested and exits with code on error.
func Finish(ci bool, title string, details []string, err error, code int) {
	if ci {
		PrintCIResult(err == nil, title, details, err)
	}
	if err != nil {
		os.Exit(ExitCode(err, code))
	}
}

func ExitCode(err error, fallback int) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return ExitConfig
	default:
		return fallback
	}
}
