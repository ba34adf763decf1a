// Package detect finds candidate building positions in viewport screenshots
// by normalized cross-correlation against a grayscale reference template.
package detect

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"sort"
)

const (
	// DefaultThreshold is the minimum correlation score for a candidate.
	DefaultThreshold = 0.60

	// nmsRadius is the Chebyshev suppression distance between candidates.
	nmsRadius = 20

	// coarseStride trades resolution for speed on the first pass; every
	// coarse hit is refined at full resolution in its neighborhood.
	coarseStride = 4
)

var ErrScreenshotTooSmall = errors.New("screenshot is smaller than the template")

// Candidate is a detection-time hypothesis: the template-center pixel position
// and its correlation score in [0, 1].
type Candidate struct {
	X     int     `json:"pixel_x"`
	Y     int     `json:"pixel_y"`
	Score float64 `json:"score"`
}

type grayImage struct {
	w, h int
	pix  []float64
}

// Detector matches one reference template, loaded once at startup and shared
// read-only between callers.
type Detector struct {
	tmpl      *grayImage
	tmplMean  float64
	tmplNorm  float64
	threshold float64
}

// New builds a detector for the given reference image.
func New(tmpl image.Image, threshold float64) (*Detector, error) {
	g := toGray(tmpl)
	if g.w < 2 || g.h < 2 {
		return nil, fmt.Errorf("template %dx%d is too small to match", g.w, g.h)
	}
	mean, norm := meanAndNorm(g)
	if norm == 0 {
		return nil, errors.New("template has zero variance")
	}
	return &Detector{tmpl: g, tmplMean: mean, tmplNorm: norm, threshold: threshold}, nil
}

// NewFromFile loads the reference PNG from disk.
func NewFromFile(path string, threshold float64) (*Detector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening reference image %s: %w", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding reference image %s: %w", path, err)
	}
	return New(img, threshold)
}

func (d *Detector) Threshold() float64 { return d.threshold }

// Detect returns the ranked, spatially deduplicated candidates whose score
// exceeds the threshold. An empty slice means no match; an error is returned
// only when the screenshot cannot contain the template at all.
func (d *Detector) Detect(screenshot image.Image) ([]Candidate, error) {
	img := toGray(screenshot)
	if img.w < d.tmpl.w || img.h < d.tmpl.h {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrScreenshotTooSmall, img.w, img.h, d.tmpl.w, d.tmpl.h)
	}

	var raw []Candidate
	for _, offset := range d.coarseHits(img, d.threshold) {
		best, ok := d.refine(img, offset, d.threshold)
		if ok {
			raw = append(raw, best)
		}
	}

	sort.Slice(raw, func(a, b int) bool { return raw[a].Score > raw[b].Score })
	kept := suppress(raw, nmsRadius)

	for i := range kept {
		kept[i].X += d.tmpl.w / 2
		kept[i].Y += d.tmpl.h / 2
	}
	return kept, nil
}

// BestMatch returns the single highest-scoring position regardless of the
// threshold. Used for calibration after navigation.
func (d *Detector) BestMatch(screenshot image.Image) (*Candidate, error) {
	img := toGray(screenshot)
	if img.w < d.tmpl.w || img.h < d.tmpl.h {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrScreenshotTooSmall, img.w, img.h, d.tmpl.w, d.tmpl.h)
	}

	best := Candidate{Score: -1}
	for y := 0; y+d.tmpl.h <= img.h; y += coarseStride {
		for x := 0; x+d.tmpl.w <= img.w; x += coarseStride {
			if s := d.scoreAt(img, x, y); s > best.Score {
				best = Candidate{X: x, Y: y, Score: s}
			}
		}
	}
	if refined, ok := d.refine(img, best, -1); ok {
		best = refined
	}
	best.X += d.tmpl.w / 2
	best.Y += d.tmpl.h / 2
	return &best, nil
}

// coarseHits scans the offset grid with a stride and keeps offsets whose score
// comes close to the threshold; the slack absorbs scores that peak between
// strided offsets.
func (d *Detector) coarseHits(img *grayImage, threshold float64) []Candidate {
	slack := threshold * 0.9
	var hits []Candidate
	for y := 0; y+d.tmpl.h <= img.h; y += coarseStride {
		for x := 0; x+d.tmpl.w <= img.w; x += coarseStride {
			if s := d.scoreAt(img, x, y); s >= slack {
				hits = append(hits, Candidate{X: x, Y: y, Score: s})
			}
		}
	}
	return hits
}

// refine searches the full-resolution neighborhood of a coarse hit and returns
// the local best when it passes threshold (threshold < 0 disables the check).
func (d *Detector) refine(img *grayImage, around Candidate, threshold float64) (Candidate, bool) {
	best := Candidate{Score: -1}
	for y := around.Y - coarseStride; y <= around.Y+coarseStride; y++ {
		if y < 0 || y+d.tmpl.h > img.h {
			continue
		}
		for x := around.X - coarseStride; x <= around.X+coarseStride; x++ {
			if x < 0 || x+d.tmpl.w > img.w {
				continue
			}
			if s := d.scoreAt(img, x, y); s > best.Score {
				best = Candidate{X: x, Y: y, Score: s}
			}
		}
	}
	if threshold >= 0 && best.Score < threshold {
		return Candidate{}, false
	}
	return best, best.Score >= 0
}

// scoreAt computes the zero-mean normalized cross-correlation of the template
// against the window at top-left (ox, oy), clamped into [0, 1].
func (d *Detector) scoreAt(img *grayImage, ox, oy int) float64 {
	tw, th := d.tmpl.w, d.tmpl.h
	n := float64(tw * th)

	var sum float64
	for y := 0; y < th; y++ {
		row := img.pix[(oy+y)*img.w+ox:]
		for x := 0; x < tw; x++ {
			sum += row[x]
		}
	}
	winMean := sum / n

	var dot, winSq float64
	for y := 0; y < th; y++ {
		irow := img.pix[(oy+y)*img.w+ox:]
		trow := d.tmpl.pix[y*tw:]
		for x := 0; x < tw; x++ {
			iv := irow[x] - winMean
			dot += iv * (trow[x] - d.tmplMean)
			winSq += iv * iv
		}
	}
	if winSq == 0 {
		return 0
	}
	score := dot / (math.Sqrt(winSq) * d.tmplNorm)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// suppress drops any candidate within the Chebyshev radius of a higher-scored
// kept one. Input must be sorted by descending score.
func suppress(sorted []Candidate, radius int) []Candidate {
	var kept []Candidate
	for _, c := range sorted {
		ok := true
		for _, k := range kept {
			if chebyshev(c.X-k.X, c.Y-k.Y) <= radius {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, c)
		}
	}
	return kept
}

func chebyshev(dx, dy int) int {
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	if dx > dy {
		return dx
	}
	return dy
}

// toGray converts any image to 8-bit grayscale using the standard luminance
// weights, stored as float64 for the correlation arithmetic.
func toGray(img image.Image) *grayImage {
	b := img.Bounds()
	g := &grayImage{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, gr, bl, _ := img.At(x, y).RGBA()
			lum := 0.299*float64(r>>8) + 0.587*float64(gr>>8) + 0.114*float64(bl>>8)
			g.pix[i] = lum
			i++
		}
	}
	return g
}

func meanAndNorm(g *grayImage) (mean, norm float64) {
	var sum float64
	for _, v := range g.pix {
		sum += v
	}
	mean = sum / float64(len(g.pix))
	var sq float64
	for _, v := range g.pix {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq)
}
