// Package dropdir watches a directory for profile JSON files dropped
// in by the operator and creates each one as a draft workspace record.
package dropdir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/decent-sync/internal/profile"
	"github.com/alexjbarnes/decent-sync/internal/textnorm"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
)

// WorkspaceClient is the slice of the workspace client the watcher needs.
type WorkspaceClient interface {
	ListExistingProfiles(ctx context.Context) (*workspace.Index, error)
	CreateDraftProfile(ctx context.Context, name string, doc map[string]any) (string, error)
}

// Watcher monitors the drop directory.
type Watcher struct {
	dir    string
	ws     WorkspaceClient
	logger *slog.Logger

	// ingested tracks files already created as drafts so a Create
	// followed by a Write does not import the same file twice.
	ingested map[string]struct{}
}

// NewWatcher builds a watcher for dir.
func NewWatcher(dir string, ws WorkspaceClient, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		ws:       ws,
		logger:   logger.With(slog.String("component", "dropdir")),
		ingested: make(map[string]struct{}),
	}
}

// Watch ingests files already present in the directory, then blocks
// processing filesystem events until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating drop directory: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching drop directory: %w", err)
	}

	// Files dropped while the daemon was not running.
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading drop directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			w.ingest(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.ingest(ctx, event.Name)
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(w.ingested, filepath.Base(event.Name))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// shouldIngest filters events down to profile JSON files.
func shouldIngest(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	return strings.HasSuffix(base, ".json")
}

// ingest parses a dropped file and creates a draft record for it.
// A file that does not parse is skipped without error; editors and
// copies produce partial writes, and the final Write event retries.
func (w *Watcher) ingest(ctx context.Context, path string) {
	if !shouldIngest(path) {
		return
	}

	base := filepath.Base(path)
	if _, done := w.ingested[base]; done {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading dropped file", slog.String("file", base), slog.String("error", err.Error()))
		return
	}

	doc, err := profile.Parse(data)
	if err != nil {
		w.logger.Debug("dropped file not yet parseable, waiting for next write",
			slog.String("file", base))

		return
	}

	if err := profile.Validate(doc); err != nil {
		w.logger.Warn("dropped profile invalid",
			slog.String("file", base),
			slog.String("error", err.Error()))

		return
	}

	name := profileName(doc, base)

	idx, err := w.ws.ListExistingProfiles(ctx)
	if err != nil {
		w.logger.Warn("listing workspace profiles",
			slog.String("file", base),
			slog.String("error", err.Error()))

		return
	}

	if _, dup := idx.ByName[textnorm.NormalizeName(name)]; dup {
		w.logger.Info("dropped profile already in workspace, skipping",
			slog.String("file", base),
			slog.String("name", name))

		w.ingested[base] = struct{}{}

		return
	}

	pageID, err := w.ws.CreateDraftProfile(ctx, name, doc)
	if err != nil {
		w.logger.Warn("creating draft from dropped profile",
			slog.String("file", base),
			slog.String("error", err.Error()))

		return
	}

	w.ingested[base] = struct{}{}
	w.logger.Info("imported dropped profile",
		slog.String("file", base),
		slog.String("name", name),
		slog.String("page_id", pageID))
}

// profileName prefers the document's title field, falling back to the
// file name without its .json or .tcl.json extension.
func profileName(doc map[string]any, base string) string {
	if title, ok := doc["title"].(string); ok && title != "" {
		return textnorm.CanonicalizeLabel(title)
	}

	base = strings.TrimSuffix(base, ".json")
	base = strings.TrimSuffix(base, ".tcl")

	return textnorm.CanonicalizeLabel(base)
}
