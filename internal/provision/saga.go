package provision

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"opsdash/internal/gcp"
)

type undo struct {
	name string
	fn   func(ctx context.Context) error
}

// compensations undo completed steps of a failed setup, newest first.
type compensations []undo

func (c *compensations) add(name string, fn func(ctx context.Context) error) {
	*c = append(*c, undo{name: name, fn: fn})
}

// run executes every compensation even if some fail. A resource that is
// already gone counts as undone. ctx should outlive the caller's request.
func (c compensations) run(ctx context.Context, log *zap.SugaredLogger) error {
	var result *multierror.Error
	for i := len(c) - 1; i >= 0; i-- {
		u := c[i]
		if err := u.fn(ctx); err != nil && !gcp.IsNotFound(err) {
			log.Errorw("rollback step failed", "step", u.name, "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", u.name, err))
			continue
		}
		log.Debugw("rolled back", "step", u.name)
	}
	return result.ErrorOrNil()
}
