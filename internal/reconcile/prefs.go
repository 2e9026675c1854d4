package reconcile

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/decent-sync/internal/device"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
	"golang.org/x/sync/errgroup"
)

// applyPreferences pushes favorite/selected intent to the device.
// dev is the live device profile when one was fetched this cycle, nil
// otherwise. The two calls are independent idempotent operations and
// run concurrently; each failure is logged as a warning only, because
// preference drift self-heals on the next cycle.
func (e *Engine) applyPreferences(ctx context.Context, rec *workspace.Record, dev *device.Profile) {
	id := rec.DeviceID
	if dev != nil {
		id = dev.ID
	}

	if id == "" {
		return
	}

	// With no live copy the device flag is unknown; a freshly saved
	// profile starts unfavorited, so compare against false.
	deviceFavorite := dev != nil && dev.Favorite

	var g errgroup.Group

	if deviceFavorite != rec.Favorite {
		g.Go(func() error {
			if err := e.device.FavoriteProfile(ctx, id, rec.Favorite); err != nil {
				e.logger.Warn("preference sync: favorite call failed",
					slog.String("page", rec.PageID),
					slog.String("device_id", id),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	// Selection is one-directional: always re-asserted when true,
	// never explicitly deselected by this path.
	if rec.Selected {
		g.Go(func() error {
			if err := e.device.SelectProfile(ctx, id); err != nil {
				e.logger.Warn("preference sync: select call failed",
					slog.String("page", rec.PageID),
					slog.String("device_id", id),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	_ = g.Wait()
}
