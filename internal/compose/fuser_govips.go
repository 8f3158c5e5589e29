//go:build govips && cgo

package compose

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsFuser struct {
	width  int
	height int
}

func (f govipsFuser) Fuse(ctx context.Context, reference, target []byte) (Output, error) {
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	ref, err := vips.NewImageFromBuffer(reference)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrBadReference, err)
	}
	defer ref.Close()

	tgt, err := vips.NewImageFromBuffer(target)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrBadTarget, err)
	}
	defer tgt.Close()

	if err := ref.ThumbnailWithSize(f.width, f.height, vips.InterestingNone, vips.SizeForce); err != nil {
		return Output{}, fmt.Errorf("resize reference: %w", err)
	}
	if err := tgt.ThumbnailWithSize(f.width, f.height, vips.InterestingNone, vips.SizeForce); err != nil {
		return Output{}, fmt.Errorf("resize target: %w", err)
	}

	if err := ref.Insert(tgt, f.width, 0, true, nil); err != nil {
		return Output{}, fmt.Errorf("join pair: %w", err)
	}

	data, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return Output{}, fmt.Errorf("encode fused png: %w", err)
	}

	return Output{
		Data:   data,
		Format: "png",
		Width:  ref.Width(),
		Height: ref.Height(),
	}, nil
}
