package imaging

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"
)

func testImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	return img
}

func TestScaleToFit_NoUpscale(t *testing.T) {
	img := testImage(100, 50)

	scaled := ScaleToFit(img, 200)

	if scaled.Bounds().Dx() != 100 || scaled.Bounds().Dy() != 50 {
		t.Errorf("image within the limit must not be resized, got %v", scaled.Bounds())
	}
}

func TestScaleToFit_LandscapeAspectRatio(t *testing.T) {
	img := testImage(400, 200)

	scaled := ScaleToFit(img, 100)

	if scaled.Bounds().Dx() != 100 {
		t.Errorf("expected width 100, got %d", scaled.Bounds().Dx())
	}

	if scaled.Bounds().Dy() != 50 {
		t.Errorf("expected height 50, got %d", scaled.Bounds().Dy())
	}
}

func TestScaleToFit_PortraitAspectRatio(t *testing.T) {
	img := testImage(200, 400)

	scaled := ScaleToFit(img, 100)

	if scaled.Bounds().Dx() != 50 || scaled.Bounds().Dy() != 100 {
		t.Errorf("expected 50x100, got %v", scaled.Bounds())
	}
}

func TestWriteAndLoadJPEG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jpg")

	if err := WriteJPEG(path, testImage(64, 48), 85); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("expected 64x48 after roundtrip, got %v", img.Bounds())
	}
}

func TestLoadImage_MissingFile(t *testing.T) {
	if _, err := LoadImage(filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Error("expected error for missing file")
	}
}
