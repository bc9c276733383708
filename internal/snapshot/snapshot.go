// Package snapshot exports copies of the local store to object storage and
// restores them.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/offsync/offsync/internal/storage"
	"github.com/offsync/offsync/pkg/types"
)

const (
	// Prefix is the object path prefix of every snapshot.
	Prefix = "snapshots/"

	// Suffix marks a snappy-framed SQLite image.
	Suffix = ".db.sz"
)

// Source produces a consistent database copy at a path that does not exist.
type Source interface {
	Backup(ctx context.Context, path string) error
}

// Info describes one stored snapshot.
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Exporter writes and reads snapshots.
type Exporter struct {
	source  Source
	objects storage.ObjectStorage
	keep    int
	clock   *types.RevisionClock
	tempDir string
	logger  *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithKeep retains only the newest n snapshots after each export. Zero keeps
// all of them.
func WithKeep(n int) Option {
	return func(e *Exporter) { e.keep = n }
}

// WithTempDir sets where intermediate files are written.
func WithTempDir(dir string) Option {
	return func(e *Exporter) { e.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

// NewExporter creates an exporter. source may be nil for restore-only use.
func NewExporter(source Source, objects storage.ObjectStorage, opts ...Option) *Exporter {
	e := &Exporter{
		source:  source,
		objects: objects,
		clock:   types.NewRevisionClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export snapshots the source and uploads it.
func (e *Exporter) Export(ctx context.Context) (Info, error) {
	if e.source == nil {
		return Info{}, fmt.Errorf("exporter has no source")
	}
	work, err := os.MkdirTemp(e.tempDir, "offsync-snapshot-")
	if err != nil {
		return Info{}, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(work)

	raw := filepath.Join(work, "image.db")
	if err := e.source.Backup(ctx, raw); err != nil {
		return Info{}, err
	}

	framed := filepath.Join(work, "image.db.sz")
	size, err := compress(raw, framed)
	if err != nil {
		return Info{}, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	name := e.clock.Next()
	info := Info{Name: name, Path: Prefix + name + Suffix, Size: size, CreatedAt: nameTime(name)}
	if err := e.objects.Put(ctx, framed, info.Path); err != nil {
		return Info{}, err
	}
	e.logger.Info("snapshot exported", "name", name, "bytes", size)

	if err := e.prune(ctx); err != nil {
		e.logger.Warn("failed to prune old snapshots", "error", err)
	}
	return info, nil
}

// List returns the stored snapshots, oldest first.
func (e *Exporter) List(ctx context.Context) ([]Info, error) {
	objects, err := e.objects.List(ctx, Prefix)
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, o := range objects {
		name, ok := strings.CutSuffix(strings.TrimPrefix(o.Path, Prefix), Suffix)
		if !ok || strings.Contains(name, "/") {
			continue
		}
		created := nameTime(name)
		if created.IsZero() {
			created = o.ModTime
		}
		out = append(out, Info{Name: name, Path: o.Path, Size: o.Size, CreatedAt: created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Restore writes the snapshot called name to dest, replacing it. An empty
// name selects the newest snapshot. The store at dest must be closed.
func (e *Exporter) Restore(ctx context.Context, name, dest string) (Info, error) {
	snaps, err := e.List(ctx)
	if err != nil {
		return Info{}, err
	}
	if len(snaps) == 0 {
		return Info{}, storage.ErrObjectNotFound
	}
	info := snaps[len(snaps)-1]
	if name != "" {
		found := false
		for _, s := range snaps {
			if s.Name == name {
				info, found = s, true
				break
			}
		}
		if !found {
			return Info{}, fmt.Errorf("snapshot %s: %w", name, storage.ErrObjectNotFound)
		}
	}

	work, err := os.MkdirTemp(e.tempDir, "offsync-restore-")
	if err != nil {
		return Info{}, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(work)

	framed := filepath.Join(work, "image.db.sz")
	if err := e.objects.Get(ctx, info.Path, framed); err != nil {
		return Info{}, err
	}
	staged := dest + ".restore"
	if _, err := decompress(framed, staged); err != nil {
		os.Remove(staged)
		return Info{}, fmt.Errorf("failed to decompress snapshot %s: %w", info.Name, err)
	}
	// Stale journal files from the replaced database must not be replayed.
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(dest + suffix)
	}
	if err := os.Rename(staged, dest); err != nil {
		return Info{}, fmt.Errorf("failed to install snapshot: %w", err)
	}
	e.logger.Info("snapshot restored", "name", info.Name, "path", dest)
	return info, nil
}

func (e *Exporter) prune(ctx context.Context) error {
	if e.keep <= 0 {
		return nil
	}
	snaps, err := e.List(ctx)
	if err != nil {
		return err
	}
	for len(snaps) > e.keep {
		if err := e.objects.Delete(ctx, snaps[0].Path); err != nil {
			return err
		}
		e.logger.Debug("snapshot pruned", "name", snaps[0].Name)
		snaps = snaps[1:]
	}
	return nil
}

func nameTime(name string) time.Time {
	rev, err := types.ParseRevision(name)
	if err != nil {
		return time.Time{}
	}
	return rev.Time().UTC()
}

func compress(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	w := snappy.NewBufferedWriter(out)
	if _, err := io.Copy(w, in); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	st, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func decompress(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, snappy.NewReader(in))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
