// Package fileops implements the filesystem operations exposed to clients.
//
// Every path argument is a client-supplied relative path and goes through
// the sandbox before the filesystem is touched. Errors are classified with
// apperr; sandbox errors are returned unchanged.
package fileops

import (
	"cmp"
	"context"
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/apperr"
	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/events"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/sandbox"
)

// DefaultMIMEType is reported when the extension is unknown.
const DefaultMIMEType = "application/octet-stream"

// Publisher receives change notifications.
type Publisher interface {
	Publish(events.Event)
}

// Options configures Ops.
type Options struct {
	// Exclude holds doublestar patterns matched against root-relative,
	// slash-separated paths. Matching entries are hidden like dotfiles and,
	// unlike dotfiles, also refused on direct access.
	Exclude []string

	// Events, when set, is notified of moves and removals.
	Events Publisher
}

// Ops performs list, meta, open, move and remove inside a sandbox.
type Ops struct {
	sb      *sandbox.Sandbox
	exclude []string
	events  Publisher
}

// New creates Ops over sb.
func New(sb *sandbox.Sandbox, opts Options) *Ops {
	return &Ops{
		sb:      sb,
		exclude: opts.Exclude,
		events:  opts.Events,
	}
}

// Sandbox returns the sandbox used for path resolution.
func (o *Ops) Sandbox() *sandbox.Sandbox { return o.sb }

// Entry is one visible child of a listed directory. Size is nil for
// directories and for links that cannot be followed.
type Entry struct {
	Name    string
	IsDir   bool
	Size    *int64
	ModTime time.Time
}

// Listing is the result of List. Parent is nil when Cwd is the root.
type Listing struct {
	Cwd     string
	Parent  *string
	Entries []Entry
}

// FileMeta describes a regular file that can be streamed.
type FileMeta struct {
	Path     string
	Filename string
	Size     int64
	MIMEType string
	ModTime  time.Time
}

// File is an open stream source. The caller must Close it.
type File struct {
	FileMeta
	*os.File
}

// Hidden reports whether the entry at rel (root-relative, slash-separated)
// is invisible to clients: dot-prefixed names and exclude pattern matches.
func (o *Ops) Hidden(rel string) bool {
	if strings.HasPrefix(path.Base(rel), ".") && rel != "." {
		return true
	}
	for _, pattern := range o.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// excluded reports whether rel or one of its ancestors matches an exclude
// pattern. Dot-prefixed names are not considered.
func (o *Ops) excluded(rel string) bool {
	for p := rel; p != "." && p != "/"; p = path.Dir(p) {
		for _, pattern := range o.exclude {
			if ok, _ := doublestar.Match(pattern, p); ok {
				return true
			}
		}
	}
	return false
}

// resolve maps rel through the sandbox and treats excluded entries as
// missing, so they cannot be read by direct path either.
func (o *Ops) resolve(rel string) (string, error) {
	p, err := o.sb.Resolve(rel)
	if err != nil {
		return "", err
	}
	if o.excluded(o.sb.ToRelative(p)) {
		return "", apperr.ErrNotFound
	}
	return p, nil
}

// List returns the visible children of relDir, directories first.
func (o *Ops) List(ctx context.Context, relDir string) (_ *Listing, err error) {
	defer func() { metrics.RecordFileOp("list", err == nil) }()

	dir, err := o.resolve(relDir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, classify(err, "stat directory")
	}
	if !info.IsDir() {
		return nil, apperr.ErrNotADirectory
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify(err, "read directory")
	}

	cwd := o.sb.ToRelative(dir)
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "listing cancelled", err)
		}
		name := d.Name()
		if o.Hidden(path.Join(cwd, name)) {
			continue
		}
		// Entries that vanished since ReadDir are dropped.
		if e, ok := o.inspect(filepath.Join(dir, name), name); ok {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)

	listing := &Listing{Cwd: cwd, Entries: entries}
	if cwd != "." {
		parent := path.Dir(cwd)
		listing.Parent = &parent
	}
	return listing, nil
}

// inspect stats p without following links first. A link is followed only
// when its target stays inside the sandbox; otherwise it is reported as a
// non-directory of unknown size, the same as a broken link.
func (o *Ops) inspect(p, name string) (Entry, bool) {
	li, err := os.Lstat(p)
	if err != nil {
		return Entry{}, false
	}

	e := Entry{Name: name, IsDir: li.IsDir(), ModTime: li.ModTime()}
	if li.Mode()&fs.ModeSymlink != 0 {
		real, err := filepath.EvalSymlinks(p)
		if err != nil || !o.sb.Contains(real) {
			return e, true
		}
		ti, err := os.Stat(real)
		if err != nil {
			return e, true
		}
		li = ti
		e.IsDir = ti.IsDir()
		e.ModTime = ti.ModTime()
	}
	if !e.IsDir {
		size := li.Size()
		e.Size = &size
	}
	return e, true
}

// sortEntries orders directories before files, then by case-folded name
// with the exact name as tie-break.
func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}

// Meta describes the regular file at relFile.
func (o *Ops) Meta(ctx context.Context, relFile string) (_ *FileMeta, err error) {
	defer func() { metrics.RecordFileOp("meta", err == nil) }()

	p, err := o.resolve(relFile)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, classify(err, "stat file")
	}
	if info.IsDir() {
		return nil, apperr.ErrIsADirectory
	}

	filename := filepath.Base(p)
	return &FileMeta{
		Path:     p,
		Filename: filename,
		Size:     info.Size(),
		MIMEType: mimeType(filename),
		ModTime:  info.ModTime(),
	}, nil
}

// Open resolves relFile and opens it for streaming.
func (o *Ops) Open(ctx context.Context, relFile string) (*File, error) {
	meta, err := o.Meta(ctx, relFile)
	if err != nil {
		return nil, err
	}

	f, err := openNoFollow(meta.Path)
	if err != nil {
		return nil, classify(err, "open file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, classify(err, "stat file")
	}
	if info.IsDir() {
		f.Close()
		return nil, apperr.ErrIsADirectory
	}
	meta.Size = info.Size()
	meta.ModTime = info.ModTime()

	return &File{FileMeta: *meta, File: f}, nil
}

// ResolveDir resolves relDir to a directory suitable for archiving.
func (o *Ops) ResolveDir(ctx context.Context, relDir string) (string, error) {
	dir, err := o.resolve(relDir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", classify(err, "stat directory")
	}
	if !info.IsDir() {
		return "", apperr.ErrNotADirectory
	}
	return dir, nil
}

// Move renames fromRel to toRel, creating missing parent directories of the
// destination. Both endpoints are checked independently.
func (o *Ops) Move(ctx context.Context, fromRel, toRel string) (err error) {
	defer func() { metrics.RecordFileOp("move", err == nil) }()

	from, err := o.sb.ResolveTarget(fromRel)
	if err != nil {
		return err
	}
	to, err := o.sb.ResolveTarget(toRel)
	if err != nil {
		return err
	}
	if from == o.sb.Root() || to == o.sb.Root() {
		return apperr.ErrForbiddenPath
	}
	if _, err := os.Lstat(from); err != nil {
		return classify(err, "stat source")
	}
	if from == to {
		return nil
	}
	if strings.HasPrefix(to, from+string(filepath.Separator)) {
		return apperr.New(apperr.BadRequest, "cannot move a directory into itself")
	}

	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, "create destination directory", err)
	}
	if err := os.Rename(from, to); err != nil {
		return apperr.Wrap(apperr.Internal, "move failed", err)
	}

	fromOut, toOut := o.sb.ToRelative(from), o.sb.ToRelative(to)
	logging.WithContext(ctx).Info("entry moved",
		zap.String("from", fromOut),
		zap.String("to", toOut))
	o.publish(ctx, events.Event{Type: events.EventMove, From: fromOut, Path: toOut})
	return nil
}

// Remove deletes relPath recursively. Removing a missing path succeeds.
func (o *Ops) Remove(ctx context.Context, relPath string) (err error) {
	defer func() { metrics.RecordFileOp("remove", err == nil) }()

	p, err := o.sb.ResolveTarget(relPath)
	if err != nil {
		return err
	}
	if p == o.sb.Root() {
		return apperr.ErrForbiddenPath
	}

	_, statErr := os.Lstat(p)
	if err := os.RemoveAll(p); err != nil {
		return apperr.Wrap(apperr.Internal, "delete failed", err)
	}
	if statErr != nil {
		return nil
	}

	rel := o.sb.ToRelative(p)
	logging.WithContext(ctx).Info("entry removed", zap.String("path", rel))
	o.publish(ctx, events.Event{Type: events.EventDelete, Path: rel})
	return nil
}

func (o *Ops) publish(ctx context.Context, e events.Event) {
	if o.events == nil {
		return
	}
	if id := auth.IdentityFrom(ctx); id != nil {
		e.User = id.Username
	}
	o.events.Publish(e)
}

func mimeType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return DefaultMIMEType
}

// classify maps a raw filesystem error onto the apperr taxonomy.
func classify(err error, message string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.NotFound, "not found", err)
	}
	if errors.Is(err, errLinkSwapped) {
		return apperr.Wrap(apperr.Forbidden, "forbidden path", err)
	}
	return apperr.Wrap(apperr.Internal, message, err)
}
