package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"
)

type stdFuser struct {
	width  int
	height int
}

func (f stdFuser) Fuse(ctx context.Context, reference, target []byte) (Output, error) {
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	ref, _, err := image.Decode(bytes.NewReader(reference))
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrBadReference, err)
	}
	tgt, _, err := image.Decode(bytes.NewReader(target))
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrBadTarget, err)
	}

	refScaled, err := resizeTo(ref, f.width, f.height)
	if err != nil {
		return Output{}, fmt.Errorf("resize reference: %w", err)
	}
	tgtScaled, err := resizeTo(tgt, f.width, f.height)
	if err != nil {
		return Output{}, fmt.Errorf("resize target: %w", err)
	}

	fused := image.NewRGBA(image.Rect(0, 0, 2*f.width, f.height))
	draw.Draw(fused, image.Rect(0, 0, f.width, f.height), refScaled, image.Point{}, draw.Src)
	draw.Draw(fused, image.Rect(f.width, 0, 2*f.width, f.height), tgtScaled, image.Point{}, draw.Src)

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := encoder.Encode(&buf, fused); err != nil {
		return Output{}, fmt.Errorf("encode fused png: %w", err)
	}

	return Output{
		Data:   buf.Bytes(),
		Format: "png",
		Width:  2 * f.width,
		Height: f.height,
	}, nil
}

// resizeTo forces the image to width x height with nearest-neighbor
// sampling. Aspect ratio is intentionally not preserved.
func resizeTo(src image.Image, width, height int) (image.Image, error) {
	srcBounds := src.Bounds()
	srcW := srcBounds.Dx()
	srcH := srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := srcBounds.Min.Y + (y*srcH)/height
		for x := 0; x < width; x++ {
			srcX := srcBounds.Min.X + (x*srcW)/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst, nil
}
