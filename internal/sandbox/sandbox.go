// Package sandbox confines client-supplied paths to a single root directory.
//
// Every path handed to the filesystem layer goes through a Sandbox first.
// Client input is cleaned lexically, scanned for traversal segments, joined
// with the root and then canonicalised through the filesystem so that
// symbolic links are followed before the containment check runs.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fruitsalade/filebrowser/internal/apperr"
	"github.com/fruitsalade/filebrowser/internal/metrics"
)

// maxLinkHops bounds how many dangling links are followed by hand.
const maxLinkHops = 40

var errTooManyLinks = errors.New("too many levels of symbolic links")

// Sandbox resolves relative paths against an immutable root.
type Sandbox struct {
	root string
}

// New creates a Sandbox rooted at root, which must be an absolute path to an
// existing directory. The root itself is canonicalised once here.
func New(root string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("root must be absolute: %s", root)
	}

	real, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	return &Sandbox{root: real}, nil
}

// Root returns the canonical root directory.
func (s *Sandbox) Root() string { return s.root }

// Contains reports whether the absolute path p is the root or lies below it.
// p is compared as given; callers pass canonical paths.
func (s *Sandbox) Contains(p string) bool {
	if p == s.root {
		return true
	}
	prefix := s.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// Resolve maps rel to the canonical absolute path of an existing entry.
//
// Traversal attempts and anything whose canonical form lies outside the root
// fail with apperr.Forbidden, including dangling links that point outside.
// A missing target, or one that cannot be resolved such as a link loop,
// fails with apperr.NotFound.
func (s *Sandbox) Resolve(rel string) (string, error) {
	clean, err := cleanRelative(rel)
	if err != nil {
		return "", err
	}

	real, exists, err := canonical(filepath.Join(s.root, clean))
	if err != nil {
		return "", unresolvable(err)
	}
	if !s.Contains(real) {
		return "", forbidden()
	}
	if !exists {
		return "", apperr.ErrNotFound
	}
	return real, nil
}

// ResolveTarget maps rel to an absolute path suitable for mutating the entry
// itself (rename source or destination, removal). The parent directory is
// canonicalised and must lie inside the root; the final component is kept
// as-is so that a symbolic link is operated on rather than its target. A final
// component that is a link pointing outside the root is still Forbidden. A
// final link that cannot be resolved at all (a loop) is returned unresolved.
// The target does not have to exist.
func (s *Sandbox) ResolveTarget(rel string) (string, error) {
	clean, err := cleanRelative(rel)
	if err != nil {
		return "", err
	}
	if clean == "." {
		return s.root, nil
	}

	candidate := filepath.Join(s.root, clean)
	parent, _, err := canonical(filepath.Dir(candidate))
	if err != nil {
		return "", unresolvable(err)
	}
	if !s.Contains(parent) {
		return "", forbidden()
	}

	target := filepath.Join(parent, filepath.Base(candidate))
	if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		real, _, err := canonical(target)
		if err == nil && !s.Contains(real) {
			return "", forbidden()
		}
	}
	return target, nil
}

// ToRelative maps an absolute path below the root back to the slash-separated
// form reported to clients. The root itself is ".".
func (s *Sandbox) ToRelative(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || rel == "" {
		return "."
	}
	return filepath.ToSlash(rel)
}

// unresolvable classifies a canonicalisation failure. Permission problems are
// server-side; anything else means the path does not lead anywhere.
func unresolvable(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return apperr.Wrap(apperr.Internal, "resolve path", err)
	}
	return apperr.ErrNotFound
}

func forbidden() error {
	metrics.RecordSandboxRejection()
	return apperr.ErrForbiddenPath
}

// cleanRelative normalises untrusted client input into a root-relative path
// in OS form. Leading separators are dropped so absolute-looking input is
// taken relative to the root. Any ".." that survives cleaning is rejected.
func cleanRelative(rel string) (string, error) {
	if strings.IndexByte(rel, 0) >= 0 {
		return "", apperr.New(apperr.BadRequest, "invalid path")
	}

	p := strings.ReplaceAll(rel, `\`, "/")
	if p == "" {
		p = "."
	}
	p = strings.TrimLeft(path.Clean(p), "/")
	if p == "" {
		p = "."
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", forbidden()
		}
	}

	p = filepath.FromSlash(p)
	if filepath.VolumeName(p) != "" {
		return "", forbidden()
	}
	return p, nil
}

// canonical resolves p through the filesystem, following symbolic links.
// When the tail of p does not exist, the existing prefix is resolved and any
// dangling link at the boundary is followed by hand, so the returned path is
// where the kernel would land. exists reports whether p itself exists.
func canonical(p string) (resolved string, exists bool, err error) {
	for hops := 0; hops <= maxLinkHops; hops++ {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return real, true, nil
		}
		if !isMissing(err) {
			return "", false, err
		}

		// Walk up to the deepest ancestor that resolves.
		base := p
		var rest []string
		var realBase string
		for {
			parent := filepath.Dir(base)
			if parent == base {
				return "", false, err
			}
			rest = append(rest, filepath.Base(base))
			base = parent
			r, perr := filepath.EvalSymlinks(base)
			if perr == nil {
				realBase = r
				break
			}
			if !isMissing(perr) {
				return "", false, perr
			}
		}

		// rest holds the unresolved components in reverse order.
		head := filepath.Join(realBase, rest[len(rest)-1])
		tail := make([]string, 0, len(rest)-1)
		for i := len(rest) - 2; i >= 0; i-- {
			tail = append(tail, rest[i])
		}

		target, lerr := os.Readlink(head)
		if lerr != nil {
			// Plain missing entry: the remainder is purely lexical.
			return filepath.Join(append([]string{head}, tail...)...), false, nil
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(realBase, target)
		}
		p = filepath.Join(append([]string{target}, tail...)...)
	}
	return "", false, errTooManyLinks
}

func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
