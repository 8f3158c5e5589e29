package compose

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestFuseJoinsPairAtCanonicalSize(t *testing.T) {
	fuser, err := New(512, 512)
	if err != nil {
		t.Fatalf("new fuser: %v", err)
	}

	reference := buildTestPNG(t, 10, 10, color.RGBA{R: 255, A: 255})
	target := buildTestPNG(t, 20, 20, color.RGBA{B: 255, A: 255})

	out, err := fuser.Fuse(context.Background(), reference, target)
	if err != nil {
		t.Fatalf("fuse pair: %v", err)
	}
	if out.Format != "png" {
		t.Fatalf("expected png output, got %s", out.Format)
	}
	if out.Width != 1024 || out.Height != 512 {
		t.Fatalf("expected 1024x512 output, got %dx%d", out.Width, out.Height)
	}

	fused, _, err := image.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("decode fused output: %v", err)
	}
	if got := fused.Bounds().Dx(); got != 1024 {
		t.Fatalf("expected combined width 1024, got %d", got)
	}

	// Reference occupies the left half, target the right half.
	r, _, _, _ := fused.At(100, 100).RGBA()
	if r == 0 {
		t.Fatal("expected red reference pixels in the left half")
	}
	_, _, b, _ := fused.At(900, 100).RGBA()
	if b == 0 {
		t.Fatal("expected blue target pixels in the right half")
	}
}

func TestFuseRejectsUndecodableInputs(t *testing.T) {
	fuser, err := New(64, 64)
	if err != nil {
		t.Fatalf("new fuser: %v", err)
	}

	valid := buildTestPNG(t, 8, 8, color.RGBA{G: 255, A: 255})

	_, err = fuser.Fuse(context.Background(), []byte("corrupted"), valid)
	if !errors.Is(err, ErrBadReference) {
		t.Fatalf("expected ErrBadReference, got %v", err)
	}

	_, err = fuser.Fuse(context.Background(), valid, []byte("corrupted"))
	if !errors.Is(err, ErrBadTarget) {
		t.Fatalf("expected ErrBadTarget, got %v", err)
	}
}

func TestFuseHonorsCancelledContext(t *testing.T) {
	fuser, err := New(64, 64)
	if err != nil {
		t.Fatalf("new fuser: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	valid := buildTestPNG(t, 8, 8, color.RGBA{G: 255, A: 255})
	if _, err := fuser.Fuse(ctx, valid, valid); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestNewRejectsInvalidSize(t *testing.T) {
	if _, err := New(0, 512); err == nil {
		t.Fatal("expected error for zero width")
	}
	if _, err := New(512, -1); err == nil {
		t.Fatal("expected error for negative height")
	}
}

func buildTestPNG(t *testing.T, w, h int, fill color.RGBA) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}
