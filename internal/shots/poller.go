package shots

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/decent-sync/internal/device"
)

// DeviceClient is the slice of the machine client the poller needs.
type DeviceClient interface {
	ListShots(ctx context.Context) ([]device.ShotRef, error)
	FetchShot(ctx context.Context, id int64) ([]byte, error)
}

// Poller periodically downloads new shot records from the machine and
// writes them as JSON files into the shots directory.
type Poller struct {
	device   DeviceClient
	cursor   *Cursor
	dir      string
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller builds a poller writing into dir.
func NewPoller(dev DeviceClient, cursor *Cursor, dir string, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		device:   dev,
		cursor:   cursor,
		dir:      dir,
		interval: interval,
		logger:   logger.With(slog.String("component", "shots")),
	}
}

// Run polls once immediately, then on every interval tick until the
// context is cancelled. Poll failures are logged and retried on the
// next tick.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.PollOnce(ctx); err != nil {
		p.logger.Warn("shot poll failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Warn("shot poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce downloads every shot newer than the cursor. The cursor only
// advances past a shot once its JSON file has been written, so a
// failed download is retried on the next poll.
func (p *Poller) PollOnce(ctx context.Context) error {
	refs, err := p.device.ListShots(ctx)
	if err != nil {
		return fmt.Errorf("listing shots: %w", err)
	}

	last, err := p.cursor.LastShotID()
	if err != nil {
		return err
	}

	var pulled int

	for _, ref := range refs {
		if ref.ID <= last {
			continue
		}

		if err := p.pullShot(ctx, ref.ID); err != nil {
			return fmt.Errorf("pulling shot %d: %w", ref.ID, err)
		}

		if err := p.cursor.SetLastShotID(ref.ID); err != nil {
			return err
		}

		pulled++
	}

	if pulled > 0 {
		p.logger.Info("archived new shots", slog.Int("count", pulled))
	}

	return nil
}

func (p *Poller) pullShot(ctx context.Context, id int64) error {
	raw, err := p.device.FetchShot(ctx, id)
	if err != nil {
		return err
	}

	shot, err := ParseRecord(raw)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(shot, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding shot %d: %w", id, err)
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("creating shots directory: %w", err)
	}

	path := filepath.Join(p.dir, fmt.Sprintf("shot-%d.json", id))

	// Write via temp file and rename so readers never see a partial
	// shot file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing shot %d: %w", id, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing shot %d: %w", id, err)
	}

	return nil
}
