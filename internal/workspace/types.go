package workspace

// Status is the workspace-owned push status governing what the
// reconciler does with a record each cycle.
type Status string

const (
	// StatusDraft is inert; a human must promote it to Queued.
	StatusDraft Status = "Draft"

	// StatusQueued is the intent to push to the device.
	StatusQueued Status = "Queued"

	// StatusPushed means the profile is believed present on the device.
	StatusPushed Status = "Pushed"

	// StatusArchived is the intent to remove the profile from the device.
	StatusArchived Status = "Archived"

	// StatusFailed is terminal until a human requeues the record.
	StatusFailed Status = "Failed"
)

// Managed reports whether the record participates in device
// reconciliation and conflict detection.
func (s Status) Managed() bool {
	return s == StatusQueued || s == StatusPushed || s == StatusArchived
}

// Record is one page in the workspace.
type Record struct {
	// PageID is the workspace-assigned page identity, immutable.
	PageID string

	// Name is the display name as stored in the workspace.
	Name string

	// NormName is the canonical lookup key derived from Name.
	NormName string

	// ProfileJSON is the pushable payload. It may or may not yet carry
	// a device identity.
	ProfileJSON string

	// DeviceID is the identity embedded in ProfileJSON, or empty.
	DeviceID string

	Status Status

	// ActiveOnMachine is tri-state: nil means unknown. True is the only
	// gate that authorizes a device delete for an Archived record.
	ActiveOnMachine *bool

	Favorite bool
	Selected bool
	HasImage bool
	Source   string
}

// Active reports whether ActiveOnMachine is known true.
func (r *Record) Active() bool {
	return r.ActiveOnMachine != nil && *r.ActiveOnMachine
}

// KnownInactive reports whether ActiveOnMachine is known false, as
// opposed to unknown.
func (r *Record) KnownInactive() bool {
	return r.ActiveOnMachine != nil && !*r.ActiveOnMachine
}

// Index is the full workspace listing with its lookup maps. A device
// identity or normalized name held by several records maps to the
// first one listed; the conflict detector handles duplicates from All.
type Index struct {
	ByID   map[string]*Record
	ByName map[string]*Record
	All    []*Record
}
