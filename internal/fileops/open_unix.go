//go:build unix

package fileops

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errLinkSwapped = errors.New("final path component became a symlink")

// openNoFollow opens p read-only and refuses a symlink in the final
// component, which can only appear if the tree changed after resolution.
func openNoFollow(p string) (*os.File, error) {
	f, err := os.OpenFile(p, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, errLinkSwapped
		}
		return nil, err
	}
	return f, nil
}
