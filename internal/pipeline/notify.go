package pipeline

import (
	"context"
	"errors"

	"github.com/fpang/photo-intake/internal/store"
)

// Notifiers fans ImageFinalized out to every member. All members are
// called even when one fails; the failures are joined.
type Notifiers []Notifier

// ImageFinalized implements Notifier.
func (ns Notifiers) ImageFinalized(ctx context.Context, img *store.Image) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.ImageFinalized(ctx, img); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
