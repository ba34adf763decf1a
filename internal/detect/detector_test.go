package detect

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func patternTemplate(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*31 + y*17) % 251)})
		}
	}
	return img
}

func paste(dst *image.Gray, src *image.Gray, ox, oy int) {
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.SetGray(ox+x, oy+y, src.GrayAt(x, y))
		}
	}
}

func TestIdentityMatch(t *testing.T) {
	tmpl := patternTemplate(16, 16)
	d, err := New(tmpl, DefaultThreshold)
	if err != nil {
		t.Fatalf("building detector: %v", err)
	}

	candidates, err := d.Detect(tmpl)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one candidate, got %d", len(candidates))
	}
	c := candidates[0]
	if c.X != 8 || c.Y != 8 {
		t.Errorf("candidate should be at the template center (8, 8), got (%d, %d)", c.X, c.Y)
	}
	if c.Score < 0.99 {
		t.Errorf("identity match score %v, want >= 0.99", c.Score)
	}
}

func TestTwoInstances(t *testing.T) {
	tmpl := patternTemplate(16, 16)
	scene := image.NewGray(image.Rect(0, 0, 300, 100))
	paste(scene, tmpl, 20, 20)
	paste(scene, tmpl, 120, 40)

	d, err := New(tmpl, DefaultThreshold)
	if err != nil {
		t.Fatalf("building detector: %v", err)
	}
	candidates, err := d.Detect(scene)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %v", len(candidates), candidates)
	}
	want := map[[2]int]bool{{28, 28}: false, {128, 48}: false}
	for _, c := range candidates {
		if _, ok := want[[2]int{c.X, c.Y}]; !ok {
			t.Errorf("unexpected candidate at (%d, %d) score %v", c.X, c.Y, c.Score)
		}
	}
}

func TestEmptyScene(t *testing.T) {
	tmpl := patternTemplate(16, 16)
	// Flat scenes have zero window variance everywhere, which scores 0.
	scene := image.NewGray(image.Rect(0, 0, 200, 200))

	d, err := New(tmpl, DefaultThreshold)
	if err != nil {
		t.Fatalf("building detector: %v", err)
	}
	candidates, err := d.Detect(scene)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected no candidates on a flat scene, got %v", candidates)
	}
}

func TestScreenshotTooSmall(t *testing.T) {
	tmpl := patternTemplate(16, 16)
	d, err := New(tmpl, DefaultThreshold)
	if err != nil {
		t.Fatalf("building detector: %v", err)
	}
	_, err = d.Detect(image.NewGray(image.Rect(0, 0, 8, 8)))
	if !errors.Is(err, ErrScreenshotTooSmall) {
		t.Fatalf("want ErrScreenshotTooSmall, got %v", err)
	}
	_, err = d.BestMatch(image.NewGray(image.Rect(0, 0, 8, 8)))
	if !errors.Is(err, ErrScreenshotTooSmall) {
		t.Fatalf("want ErrScreenshotTooSmall from BestMatch, got %v", err)
	}
}

func TestBestMatchIgnoresThreshold(t *testing.T) {
	tmpl := patternTemplate(16, 16)
	scene := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			scene.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13) % 251)})
		}
	}

	d, err := New(tmpl, 0.99)
	if err != nil {
		t.Fatalf("building detector: %v", err)
	}
	best, err := d.BestMatch(scene)
	if err != nil {
		t.Fatalf("best match: %v", err)
	}
	if best == nil {
		t.Fatal("BestMatch must always return a candidate for a valid scene")
	}
	if best.Score < 0 || best.Score > 1 {
		t.Errorf("score out of range: %v", best.Score)
	}
}

func TestSuppressRadius(t *testing.T) {
	sorted := []Candidate{
		{X: 100, Y: 100, Score: 0.95},
		{X: 110, Y: 105, Score: 0.90}, // within Chebyshev 20 of the first
		{X: 121, Y: 100, Score: 0.85}, // 21 away, kept
		{X: 100, Y: 121, Score: 0.80}, // 21 away from first, within 20 of third? no: dx=21
		{X: 105, Y: 118, Score: 0.75}, // within 20 of the first
	}
	kept := suppress(sorted, 20)
	if len(kept) != 3 {
		t.Fatalf("expected 3 survivors, got %d: %v", len(kept), kept)
	}
	for i, a := range kept {
		for _, b := range kept[i+1:] {
			if chebyshev(a.X-b.X, a.Y-b.Y) <= 20 {
				t.Errorf("survivors (%d,%d) and (%d,%d) violate the radius", a.X, a.Y, b.X, b.Y)
			}
		}
	}
}
