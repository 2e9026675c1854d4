package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alexjbarnes/decent-sync/internal/profile"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
)

// push runs the push pipeline for one record: parse, validate, adopt
// the known device identity, normalize for the device, save, write the
// assigned identity back if it changed, and mark the record Pushed.
// forceID, when non-empty, overrides whatever identity the stored JSON
// carries (used for re-pushing a drifted or missing device copy).
//
// Returns the device identity the profile now has and whether the push
// succeeded. On any failure the record is marked Failed and processing
// of other records continues.
func (e *Engine) push(ctx context.Context, rec *workspace.Record, forceID string) (string, bool) {
	doc, err := profile.Parse([]byte(rec.ProfileJSON))
	if err != nil {
		e.logger.Warn("push: stored profile JSON invalid",
			slog.String("page", rec.PageID),
			slog.String("error", err.Error()),
		)
		e.markFailed(ctx, rec)

		return "", false
	}

	if err := profile.Validate(doc); err != nil {
		e.logger.Warn("push: profile not pushable",
			slog.String("page", rec.PageID),
			slog.String("error", err.Error()),
		)
		e.markFailed(ctx, rec)

		return "", false
	}

	storedID := profile.Identity(doc)

	switch {
	case forceID != "" && storedID != forceID:
		doc = profile.SetIdentity(doc, forceID)
	case forceID == "" && storedID == "" && rec.DeviceID != "":
		// The JSON lost its identity but the record pushed before.
		// Adopt it so the device updates in place instead of creating
		// a duplicate.
		doc = profile.SetIdentity(doc, rec.DeviceID)
	}

	assignedID, err := e.device.SaveProfile(ctx, profile.PrepareForDevice(doc))
	if err != nil {
		e.logger.Warn("push: device save failed",
			slog.String("page", rec.PageID),
			slog.String("error", err.Error()),
		)
		e.markFailed(ctx, rec)

		return "", false
	}

	// Write the stored JSON back only when the identity actually
	// changed, to avoid needless workspace writes.
	if assignedID != profile.Identity(doc) {
		updated, err := json.Marshal(profile.SetIdentity(doc, assignedID))
		if err != nil {
			e.logger.Warn("push: marshalling updated profile JSON",
				slog.String("page", rec.PageID),
				slog.String("error", err.Error()),
			)
			e.markFailed(ctx, rec)

			return "", false
		}

		if err := e.ws.UpdateProfileJson(ctx, rec.PageID, string(updated)); err != nil {
			// Losing the assigned identity would duplicate the profile
			// on the next cycle, so this is a push failure.
			e.logger.Warn("push: identity write-back failed",
				slog.String("page", rec.PageID),
				slog.String("error", err.Error()),
			)
			e.markFailed(ctx, rec)

			return "", false
		}
	}

	now := e.now()
	active := true

	if err := e.ws.UpdatePushStatus(ctx, rec.PageID, workspace.StatusPushed, &now, &active); err != nil {
		e.logger.Warn("push: status write failed",
			slog.String("page", rec.PageID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("pushed profile",
		slog.String("page", rec.PageID),
		slog.String("name", rec.Name),
		slog.String("device_id", assignedID),
	)

	return assignedID, true
}

// markFailed writes the Failed status. Failed is terminal until a
// human requeues the record.
func (e *Engine) markFailed(ctx context.Context, rec *workspace.Record) {
	if err := e.ws.UpdatePushStatus(ctx, rec.PageID, workspace.StatusFailed, nil, nil); err != nil {
		e.logger.Warn("marking record failed",
			slog.String("page", rec.PageID),
			slog.String("error", err.Error()),
		)
	}
}
