//go:build !unix

package fileops

import (
	"errors"
	"os"
)

var errLinkSwapped = errors.New("final path component became a symlink")

func openNoFollow(p string) (*os.File, error) {
	return os.Open(p)
}
