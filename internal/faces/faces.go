// Package faces holds the face vector model used for matching photos against
// a set of reference identities. Producing vectors is delegated to an Encoder.
package faces

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Vector is a fixed-dimension face embedding. Treat it as immutable.
type Vector []float64

// Encoder turns raw image bytes into zero or more face vectors.
//
// A well-formed image without faces yields an empty slice and no error.
// Image-local failures are returned as *DecodeError; any other error means
// the encoder itself is unusable.
type Encoder interface {
	Encode(ctx context.Context, image []byte) ([]Vector, error)
}

// DecodeError reports that one image could not be decoded or analysed.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %q: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is an image-local failure.
func IsDecodeError(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}

// Distance returns the euclidean distance between two vectors.
// Vectors of different dimension are infinitely far apart.
func Distance(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Matches reports whether candidate is within tolerance of any known vector.
func Matches(known []Vector, candidate Vector, tolerance float64) bool {
	for _, k := range known {
		if Distance(k, candidate) <= tolerance {
			return true
		}
	}
	return false
}
