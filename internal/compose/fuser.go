package compose

import (
	"context"
	"errors"
	"fmt"
)

// Output is the fused artifact produced from one reference/target pair.
type Output struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Fuser normalizes both inputs to a canonical resolution and joins them
// side by side, reference on the left.
type Fuser interface {
	Fuse(ctx context.Context, reference, target []byte) (Output, error)
}

var (
	ErrBadReference = errors.New("undecodable reference image")
	ErrBadTarget    = errors.New("undecodable target image")
)

func New(width, height int) (Fuser, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("canonical size must be positive, got %dx%d", width, height)
	}
	return newFuser(width, height)
}
