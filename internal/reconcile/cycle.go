package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/decent-sync/internal/chart"
	"github.com/alexjbarnes/decent-sync/internal/device"
	"github.com/alexjbarnes/decent-sync/internal/profile"
	"github.com/alexjbarnes/decent-sync/internal/textnorm"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
)

// RunCycle executes one reconciliation pass: fetch both stores, detect
// conflicts, dispatch every workspace record through the state
// machine, then import unmatched device profiles as Drafts.
//
// A device fetch failure aborts the whole cycle with no status
// mutation; every other failure is contained at the record boundary.
func (e *Engine) RunCycle(ctx context.Context) error {
	stats := &CycleStats{Start: e.now(), Outcome: "aborted"}

	defer func() {
		stats.Duration = e.now().Sub(stats.Start)
		e.recordStats(stats)
	}()

	deviceProfiles, err := e.device.FetchProfiles(ctx)
	if err != nil {
		// Connectivity loss is logged once at onset, not per tick.
		if device.IsConnectivity(err) {
			if !e.deviceDown {
				e.deviceDown = true
				e.logger.Warn("device unreachable, skipping cycles until it recovers",
					slog.String("error", err.Error()),
				)
			}
		} else {
			e.logger.Warn("device profile fetch failed",
				slog.String("error", err.Error()),
			)
		}

		return fmt.Errorf("fetching device profiles: %w", err)
	}

	if e.deviceDown {
		e.deviceDown = false
		e.logger.Info("device connectivity restored")
	}

	idx, err := e.ws.ListExistingProfiles(ctx)
	if err != nil {
		e.logger.Warn("workspace listing failed",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("listing workspace profiles: %w", err)
	}

	deviceByID := make(map[string]*device.Profile, len(deviceProfiles))
	for i := range deviceProfiles {
		deviceByID[deviceProfiles[i].ID] = &deviceProfiles[i]
	}

	conflicts := FindConflicts(idx.All)
	stats.Conflicts = len(conflicts)

	for id, pages := range conflicts {
		e.logger.Warn("conflicting workspace records share one device identity, skipping them this cycle",
			slog.String("device_id", id),
			slog.String("pages", strings.Join(pages, ", ")),
		)
	}

	e.logger.Info("cycle starting",
		slog.Int("device_profiles", len(deviceProfiles)),
		slog.Int("workspace_records", len(idx.All)),
		slog.Int("conflicts", len(conflicts)),
	)

	// Identities and names claimed by any workspace record; pushes
	// during this cycle add to them so a just-assigned identity is not
	// immediately re-imported in step 5.
	matchedIDs := make(map[string]struct{})
	matchedNames := make(map[string]struct{})

	for _, rec := range idx.All {
		if rec.DeviceID != "" {
			matchedIDs[rec.DeviceID] = struct{}{}
		}

		if rec.NormName != "" {
			matchedNames[rec.NormName] = struct{}{}
		}
	}

	for _, rec := range idx.All {
		if _, conflicted := conflicts[rec.DeviceID]; conflicted && rec.Status.Managed() {
			continue
		}

		e.dispatchRecord(ctx, rec, deviceByID, matchedIDs, stats)
	}

	e.importUnmatched(ctx, deviceProfiles, matchedIDs, matchedNames, stats)

	stats.Outcome = "ok"

	e.logger.Info("cycle complete",
		slog.Int("pushed", stats.Pushed),
		slog.Int("repushed", stats.Repushed),
		slog.Int("deleted", stats.Deleted),
		slog.Int("imported", stats.Imported),
		slog.Int("failed", stats.Failed),
	)

	return nil
}

// dispatchRecord runs the per-record state machine. Errors never
// escape: they become Failed status writes or log lines, so one bad
// record cannot abort the remaining records.
func (e *Engine) dispatchRecord(ctx context.Context, rec *workspace.Record, deviceByID map[string]*device.Profile, matchedIDs map[string]struct{}, stats *CycleStats) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("record processing panicked",
				slog.String("page", rec.PageID),
				slog.Any("panic", r),
			)
		}
	}()

	switch rec.Status {
	case workspace.StatusQueued:
		if id, ok := e.push(ctx, rec, ""); ok {
			matchedIDs[id] = struct{}{}
			stats.Pushed++
		} else {
			stats.Failed++
		}

	case workspace.StatusPushed:
		e.reconcilePushed(ctx, rec, deviceByID, matchedIDs, stats)

	case workspace.StatusArchived:
		e.reconcileArchived(ctx, rec, deviceByID, stats)

	case workspace.StatusDraft, workspace.StatusFailed:
		// Inert until a human changes the status.

	default:
		e.logger.Warn("record has unknown push status",
			slog.String("page", rec.PageID),
			slog.String("status", string(rec.Status)),
		)
	}
}

// reconcilePushed keeps a record the workspace believes is on the
// device convergent with the device's live copy.
func (e *Engine) reconcilePushed(ctx context.Context, rec *workspace.Record, deviceByID map[string]*device.Profile, matchedIDs map[string]struct{}, stats *CycleStats) {
	var dev *device.Profile
	if rec.DeviceID != "" {
		dev = deviceByID[rec.DeviceID]
	}

	if dev == nil {
		// Missing on device: re-push from the stored JSON, forcing in
		// the known identity so the device restores rather than forks.
		e.logger.Info("pushed record missing on device, re-pushing",
			slog.String("page", rec.PageID),
			slog.String("device_id", rec.DeviceID),
		)

		if id, ok := e.push(ctx, rec, rec.DeviceID); ok {
			matchedIDs[id] = struct{}{}
			stats.Repushed++
			e.applyPreferences(ctx, rec, nil)
		} else {
			stats.Failed++
		}

		return
	}

	desired, err := profile.Parse([]byte(rec.ProfileJSON))
	if err != nil {
		e.logger.Warn("pushed record has invalid stored JSON",
			slog.String("page", rec.PageID),
			slog.String("error", err.Error()),
		)
		e.markFailed(ctx, rec)
		stats.Failed++

		return
	}

	if !profile.IsEquivalent(desired, dev.Raw) {
		e.logger.Info("device copy drifted from workspace template, re-pushing",
			slog.String("page", rec.PageID),
			slog.String("device_id", dev.ID),
			slog.String("drift", profile.DriftSummary(desired, dev.Raw)),
		)

		if id, ok := e.push(ctx, rec, dev.ID); ok {
			matchedIDs[id] = struct{}{}
			stats.Repushed++
			e.applyPreferences(ctx, rec, dev)
		} else {
			stats.Failed++
		}

		return
	}

	e.applyPreferences(ctx, rec, dev)

	// The active flag is only written when it changes, to keep the
	// workspace write volume down.
	if !rec.Active() {
		active := true
		if err := e.ws.UpdatePushStatus(ctx, rec.PageID, workspace.StatusPushed, nil, &active); err != nil {
			e.logger.Warn("marking record active",
				slog.String("page", rec.PageID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reconcileArchived executes archival intent: remove the profile from
// the device, but only when the workspace has previously observed it
// active there. Utility profiles are never destroyed.
func (e *Engine) reconcileArchived(ctx context.Context, rec *workspace.Record, deviceByID map[string]*device.Profile, stats *CycleStats) {
	if rec.KnownInactive() {
		// Historical record. A page manually marked inactive must never
		// trigger a delete, even if it still carries a stale identity.
		return
	}

	var dev *device.Profile
	if rec.DeviceID != "" {
		dev = deviceByID[rec.DeviceID]
	}

	if dev == nil {
		// Nothing to delete; record the fact.
		inactive := false
		if err := e.ws.UpdatePushStatus(ctx, rec.PageID, workspace.StatusArchived, nil, &inactive); err != nil {
			e.logger.Warn("marking archived record inactive",
				slog.String("page", rec.PageID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	if e.isUtility(dev) {
		e.logger.Info("archived record matches a utility profile, leaving it on the device",
			slog.String("page", rec.PageID),
			slog.String("device_id", dev.ID),
			slog.String("title", dev.Title),
		)

		return
	}

	if err := e.device.DeleteProfile(ctx, dev.ID); err != nil {
		e.logger.Warn("device delete failed",
			slog.String("page", rec.PageID),
			slog.String("device_id", dev.ID),
			slog.String("error", err.Error()),
		)
		e.markFailed(ctx, rec)
		stats.Failed++

		return
	}

	stats.Deleted++

	e.logger.Info("deleted archived profile from device",
		slog.String("page", rec.PageID),
		slog.String("device_id", dev.ID),
	)

	inactive := false
	if err := e.ws.UpdatePushStatus(ctx, rec.PageID, workspace.StatusArchived, nil, &inactive); err != nil {
		e.logger.Warn("marking archived record inactive",
			slog.String("page", rec.PageID),
			slog.String("error", err.Error()),
		)
	}
}

// isUtility reports whether a device profile is a built-in that
// reconciliation must never delete.
func (e *Engine) isUtility(dev *device.Profile) bool {
	if dev.Utility {
		return true
	}

	_, ok := e.utilityNames[textnorm.NormalizeName(dev.Title)]

	return ok
}

// importUnmatched creates a Draft workspace record for every device
// profile no workspace record claims by identity or normalized name.
// The chart upload is best-effort; its failure never fails the import.
func (e *Engine) importUnmatched(ctx context.Context, deviceProfiles []device.Profile, matchedIDs, matchedNames map[string]struct{}, stats *CycleStats) {
	for i := range deviceProfiles {
		dev := &deviceProfiles[i]

		if _, ok := matchedIDs[dev.ID]; ok {
			continue
		}

		name := textnorm.Repair(dev.Title)
		if _, ok := matchedNames[textnorm.NormalizeName(name)]; ok {
			continue
		}

		pageID, err := e.ws.CreateDraftProfile(ctx, name, dev.Raw)
		if err != nil {
			e.logger.Warn("importing unmatched device profile",
				slog.String("device_id", dev.ID),
				slog.String("title", dev.Title),
				slog.String("error", err.Error()),
			)

			continue
		}

		stats.Imported++

		e.logger.Info("imported device profile as draft",
			slog.String("device_id", dev.ID),
			slog.String("page", pageID),
			slog.String("name", name),
		)

		if err := e.ws.UploadProfileImage(ctx, pageID, name, chart.Render(dev.Raw)); err != nil {
			e.logger.Warn("chart upload failed for imported profile",
				slog.String("page", pageID),
				slog.String("error", err.Error()),
			)
		}
	}
}
