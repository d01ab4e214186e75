package fileops

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filebrowser/internal/apperr"
	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/events"
	"github.com/fruitsalade/filebrowser/internal/sandbox"
)

type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(e events.Event) { r.events = append(r.events, e) }

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func setup(t *testing.T, opts Options) (*Ops, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)
	return New(sb, opts), sb.Root()
}

func names(l *Listing) []string {
	out := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e.Name)
	}
	return out
}

func TestListOrderingAndHidden(t *testing.T) {
	ops, root := setup(t, Options{Exclude: []string{"**/*.tmp", "node_modules"}})
	ctx := context.Background()

	writeFile(t, filepath.Join(root, "b.txt"), "bb")
	writeFile(t, filepath.Join(root, "A.txt"), "a")
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, ".secret"), "x")
	writeFile(t, filepath.Join(root, "scratch.tmp"), "x")
	require.NoError(t, os.Mkdir(filepath.Join(root, "zdir"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "Adir"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "node_modules"), 0o755))

	l, err := ops.List(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, ".", l.Cwd)
	assert.Nil(t, l.Parent)
	assert.Equal(t, []string{"Adir", "zdir", "A.txt", "a.txt", "b.txt"}, names(l))

	for _, e := range l.Entries {
		if e.IsDir {
			assert.Nil(t, e.Size, e.Name)
		} else {
			require.NotNil(t, e.Size, e.Name)
		}
	}
	assert.EqualValues(t, 2, *l.Entries[4].Size)
}

func TestListSubdirectoryParent(t *testing.T) {
	ops, root := setup(t, Options{})
	writeFile(t, filepath.Join(root, "docs", "guides", "x.md"), "#")

	l, err := ops.List(context.Background(), "docs/guides")
	require.NoError(t, err)
	assert.Equal(t, "docs/guides", l.Cwd)
	require.NotNil(t, l.Parent)
	assert.Equal(t, "docs", *l.Parent)

	l, err = ops.List(context.Background(), "docs")
	require.NoError(t, err)
	require.NotNil(t, l.Parent)
	assert.Equal(t, ".", *l.Parent)
}

func TestListErrors(t *testing.T) {
	ops, root := setup(t, Options{})
	writeFile(t, filepath.Join(root, "file.txt"), "x")
	ctx := context.Background()

	_, err := ops.List(ctx, "file.txt")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	_, err = ops.List(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = ops.List(ctx, "../")
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestListSymlinks(t *testing.T) {
	ops, root := setup(t, Options{})
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "top secret")
	writeFile(t, filepath.Join(root, "real", "inner.txt"), "x")

	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "inside-link")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "outside-link")))
	require.NoError(t, os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "broken")))

	l, err := ops.List(context.Background(), ".")
	require.NoError(t, err)

	byName := map[string]Entry{}
	for _, e := range l.Entries {
		byName[e.Name] = e
	}

	assert.True(t, byName["inside-link"].IsDir)
	assert.False(t, byName["outside-link"].IsDir)
	assert.Nil(t, byName["outside-link"].Size)
	assert.False(t, byName["broken"].IsDir)
	assert.Nil(t, byName["broken"].Size)
}

func TestMetaAndOpen(t *testing.T) {
	ops, root := setup(t, Options{})
	writeFile(t, filepath.Join(root, "docs", "report.pdf"), "%PDF-1.4")
	writeFile(t, filepath.Join(root, "blob.unknownext"), "data")
	ctx := context.Background()

	meta, err := ops.Meta(ctx, "docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", meta.Filename)
	assert.Equal(t, "application/pdf", meta.MIMEType)
	assert.EqualValues(t, 8, meta.Size)

	meta, err = ops.Meta(ctx, "blob.unknownext")
	require.NoError(t, err)
	assert.Equal(t, DefaultMIMEType, meta.MIMEType)

	_, err = ops.Meta(ctx, "docs")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	_, err = ops.Meta(ctx, "docs/missing.pdf")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	f, err := ops.Open(ctx, "docs/report.pdf")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestOpenRejectsOutsideLink(t *testing.T) {
	ops, root := setup(t, Options{})
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "passwd"), "root:x:0:0")
	require.NoError(t, os.Symlink(filepath.Join(outside, "passwd"), filepath.Join(root, "passwd")))

	_, err := ops.Open(context.Background(), "passwd")
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestMoveCreatesParents(t *testing.T) {
	rec := &recorder{}
	ops, root := setup(t, Options{Events: rec})
	writeFile(t, filepath.Join(root, "a.txt"), "hello")

	ctx := auth.WithIdentity(context.Background(), &auth.Identity{Username: "alice", Role: auth.RoleAdmin})
	require.NoError(t, ops.Move(ctx, "a.txt", "new/deep/b.txt"))

	data, err := os.ReadFile(filepath.Join(root, "new", "deep", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))

	require.Len(t, rec.events, 1)
	assert.Equal(t, events.EventMove, rec.events[0].Type)
	assert.Equal(t, "a.txt", rec.events[0].From)
	assert.Equal(t, "new/deep/b.txt", rec.events[0].Path)
	assert.Equal(t, "alice", rec.events[0].User)
}

func TestMoveRejections(t *testing.T) {
	ops, root := setup(t, Options{})
	writeFile(t, filepath.Join(root, "dir", "a.txt"), "x")
	ctx := context.Background()

	err := ops.Move(ctx, "dir/a.txt", "../escaped.txt")
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	err = ops.Move(ctx, "../../etc/passwd", "stolen")
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	err = ops.Move(ctx, ".", "elsewhere")
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	err = ops.Move(ctx, "missing.txt", "b.txt")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	err = ops.Move(ctx, "dir", "dir/sub")
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	assert.FileExists(t, filepath.Join(root, "dir", "a.txt"))
}

func TestMoveSymlinkMovesLinkItself(t *testing.T) {
	ops, root := setup(t, Options{})
	writeFile(t, filepath.Join(root, "target.txt"), "x")
	require.NoError(t, os.Symlink("target.txt", filepath.Join(root, "link")))

	require.NoError(t, ops.Move(context.Background(), "link", "moved-link"))

	info, err := os.Lstat(filepath.Join(root, "moved-link"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
	assert.FileExists(t, filepath.Join(root, "target.txt"))
}

func TestRemove(t *testing.T) {
	rec := &recorder{}
	ops, root := setup(t, Options{Events: rec})
	writeFile(t, filepath.Join(root, "dir", "nested", "f.txt"), "x")
	ctx := context.Background()

	require.NoError(t, ops.Remove(ctx, "dir"))
	assert.NoDirExists(t, filepath.Join(root, "dir"))
	require.Len(t, rec.events, 1)
	assert.Equal(t, events.EventDelete, rec.events[0].Type)
	assert.Equal(t, "dir", rec.events[0].Path)

	// Idempotent: a second call succeeds and publishes nothing.
	require.NoError(t, ops.Remove(ctx, "dir"))
	assert.Len(t, rec.events, 1)

	err := ops.Remove(ctx, "")
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	err = ops.Remove(ctx, "../x")
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestLinkLoop(t *testing.T) {
	ops, root := setup(t, Options{})
	require.NoError(t, os.Symlink("loopb", filepath.Join(root, "loopa")))
	require.NoError(t, os.Symlink("loopa", filepath.Join(root, "loopb")))
	ctx := context.Background()

	_, err := ops.Meta(ctx, "loopa")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = ops.List(ctx, "loopa")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	require.NoError(t, ops.Move(ctx, "loopb", "moved/loopb"))
	_, err = os.Lstat(filepath.Join(root, "moved", "loopb"))
	assert.NoError(t, err)

	require.NoError(t, ops.Remove(ctx, "loopa"))
	_, err = os.Lstat(filepath.Join(root, "loopa"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveSymlinkKeepsTarget(t *testing.T) {
	ops, root := setup(t, Options{})
	writeFile(t, filepath.Join(root, "data", "keep.txt"), "x")
	require.NoError(t, os.Symlink(filepath.Join(root, "data"), filepath.Join(root, "alias")))

	require.NoError(t, ops.Remove(context.Background(), "alias"))

	_, err := os.Lstat(filepath.Join(root, "alias"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, filepath.Join(root, "data", "keep.txt"))
}

func TestSortEntries(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{Name: "beta", ModTime: now},
		{Name: "Alpha", ModTime: now},
		{Name: "alpha", ModTime: now},
		{Name: "gamma", IsDir: true, ModTime: now},
	}
	sortEntries(entries)

	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.Name
	}
	assert.Equal(t, []string{"gamma", "Alpha", "alpha", "beta"}, got)
}

func TestExcludedNotServedDirectly(t *testing.T) {
	ops, root := setup(t, Options{Exclude: []string{"secret", "**/*.key"}})
	writeFile(t, filepath.Join(root, "secret", "k.txt"), "x")
	writeFile(t, filepath.Join(root, "docs", "id.key"), "x")
	writeFile(t, filepath.Join(root, "docs", ".env"), "x")
	require.NoError(t, os.Symlink(filepath.Join(root, "secret"), filepath.Join(root, "alias")))
	ctx := context.Background()

	for _, rel := range []string{"secret/k.txt", "docs/id.key", "alias/k.txt"} {
		_, err := ops.Meta(ctx, rel)
		assert.True(t, apperr.Is(err, apperr.NotFound), "%q: %v", rel, err)
	}
	_, err := ops.List(ctx, "secret")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = ops.ResolveDir(ctx, "alias")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	// Dotfiles are hidden from listings only.
	_, err = ops.Meta(ctx, "docs/.env")
	assert.NoError(t, err)
}

func TestHidden(t *testing.T) {
	ops, _ := setup(t, Options{Exclude: []string{"**/*.log", "build/**"}})

	assert.True(t, ops.Hidden(".env"))
	assert.True(t, ops.Hidden("docs/.DS_Store"))
	assert.True(t, ops.Hidden("logs/app.log"))
	assert.True(t, ops.Hidden("build/out/bin"))
	assert.False(t, ops.Hidden("docs/readme.md"))
	assert.False(t, ops.Hidden("."))
}
