// Package archive streams directories as zip archives.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/sandbox"
)

// SkipFunc reports whether the entry at rel (root-relative, slash-separated)
// is left out of archives. A skipped directory is not descended.
type SkipFunc func(rel string) bool

// Stats summarises a written archive. Bytes counts uncompressed content.
type Stats struct {
	Files   int
	Dirs    int
	Skipped int
	Bytes   int64
}

// Zipper writes the contents of sandboxed directories as zip streams.
type Zipper struct {
	sb   *sandbox.Sandbox
	skip SkipFunc
}

// NewZipper creates a Zipper. skip may be nil.
func NewZipper(sb *sandbox.Sandbox, skip SkipFunc) *Zipper {
	if skip == nil {
		skip = func(string) bool { return false }
	}
	return &Zipper{sb: sb, skip: skip}
}

type entry struct {
	name string // slash-separated, relative to the archived directory
	src  string // file to read; for links, the canonical target
	info fs.FileInfo
}

// WriteDir writes dir, a canonical directory inside the sandbox, to w as a
// zip archive. Entry names are relative to dir, so dir itself is not a
// component. Regular files reached through links are included when their
// target lies inside the sandbox; linked directories are never descended.
//
// An error after the first byte has been written leaves w holding a
// truncated archive; the caller must not present it as complete.
func (z *Zipper) WriteDir(ctx context.Context, dir string, w io.Writer) (Stats, error) {
	var stats Stats
	if !z.sb.Contains(dir) {
		return stats, fmt.Errorf("archive source %s outside root", dir)
	}

	entries, err := z.collect(ctx, dir)
	if err != nil {
		return stats, err
	}

	logger := logging.WithContext(ctx)
	zw := zip.NewWriter(w)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if e.info.IsDir() {
			hdr := &zip.FileHeader{Name: e.name + "/", Method: zip.Store}
			hdr.Modified = e.info.ModTime()
			hdr.SetMode(e.info.Mode())
			if _, err := zw.CreateHeader(hdr); err != nil {
				return stats, fmt.Errorf("write directory entry %s: %w", e.name, err)
			}
			stats.Dirs++
			continue
		}

		n, err := z.writeFile(ctx, zw, e)
		if err != nil {
			var pe *fs.PathError
			if errors.As(err, &pe) && pe.Op == "open" {
				// Vanished or unreadable since the walk.
				logger.Warn("skipping archive entry", zap.String("entry", e.name), zap.Error(err))
				stats.Skipped++
				continue
			}
			return stats, err
		}
		stats.Files++
		stats.Bytes += n
	}

	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("finish archive: %w", err)
	}
	return stats, nil
}

// collect walks dir concurrently and returns the entries in name order, so
// archives are deterministic and parents precede their children.
func (z *Zipper) collect(ctx context.Context, dir string) ([]entry, error) {
	var (
		mu      sync.Mutex
		entries []entry
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == dir {
			return err
		}
		if err != nil {
			return nil
		}

		if z.skip(z.sb.ToRelative(p)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		e := entry{name: filepath.ToSlash(rel), src: p}

		if d.Type()&fs.ModeSymlink != 0 {
			real, err := filepath.EvalSymlinks(p)
			if err != nil || !z.sb.Contains(real) {
				return nil
			}
			info, err := os.Stat(real)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
			e.src, e.info = real, info
		} else {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if !info.IsDir() && !info.Mode().IsRegular() {
				return nil
			}
			e.info = info
		}

		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.name, b.name) })
	return entries, nil
}

func (z *Zipper) writeFile(ctx context.Context, zw *zip.Writer, e entry) (int64, error) {
	f, err := os.Open(e.src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	hdr, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return 0, fmt.Errorf("header for %s: %w", e.name, err)
	}
	hdr.Name = e.name
	hdr.Method = zip.Deflate

	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, fmt.Errorf("write entry %s: %w", e.name, err)
	}
	n, err := io.Copy(fw, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", e.name, err)
	}
	return n, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
