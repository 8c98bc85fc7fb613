package common

import (
	"context"
	"time"

	"github.com/bda-association/bda-portal/internal/tools/ui"
)

// Run executes fn under timeout, behind the spinner unless ci is set.
func Run(ci bool, title string, timeout time.Duration, fn func(context.Context) ([]string, error)) ([]string, error) {
	if ci {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, timeout, fn)
}
