//go:build !unix

package fsx

import (
	"errors"
	"os"
)

// Windows reports cross-volume renames as ERROR_NOT_SAME_DEVICE; treat any
// link error as a candidate for the copy fallback.
func isEXDEV(err error) bool {
	var le *os.LinkError
	return errors.As(err, &le)
}
