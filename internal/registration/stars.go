package registration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"astrostack/internal/imaging"
)

// Star is a detected point source
type Star struct {
	X, Y float64
	Flux float64
	Area int
}

// StarConfig tunes detection and matching
type StarConfig struct {
	Sigma      float64 `json:"sigma" yaml:"sigma"`           // detection threshold in standard deviations above the mean
	MaxStars   int     `json:"maxStars" yaml:"maxStars"`     // brightest stars kept per frame
	MinMatches int     `json:"minMatches" yaml:"minMatches"` // inliers required for a transform
	Tolerance  float64 `json:"tolerance" yaml:"tolerance"`   // pixel radius for a star pair to count as matched
	MinArea    int     `json:"minArea" yaml:"minArea"`
	MaxArea    int     `json:"maxArea" yaml:"maxArea"`
}

func DefaultStarConfig() StarConfig {
	return StarConfig{
		Sigma:      3,
		MaxStars:   40,
		MinMatches: 3,
		Tolerance:  2,
		MinArea:    2,
		MaxArea:    1000,
	}
}

// StarEstimator aligns frames by matching bright point sources.
// Stars of the most recent reference frame are cached.
type StarEstimator struct {
	cfg StarConfig

	mu       sync.Mutex
	refImage *imaging.Image
	refStars []Star
}

func NewStarEstimator(cfg StarConfig) *StarEstimator {
	def := DefaultStarConfig()
	if cfg.Sigma <= 0 {
		cfg.Sigma = def.Sigma
	}
	if cfg.MaxStars <= 0 {
		cfg.MaxStars = def.MaxStars
	}
	if cfg.MinMatches <= 0 {
		cfg.MinMatches = def.MinMatches
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.MinArea <= 0 {
		cfg.MinArea = def.MinArea
	}
	if cfg.MaxArea <= 0 {
		cfg.MaxArea = def.MaxArea
	}
	return &StarEstimator{cfg: cfg}
}

func (e *StarEstimator) Estimate(ctx context.Context, candidate, reference *imaging.Image) (Transform, error) {
	refStars := e.referenceStars(reference)
	if err := ctx.Err(); err != nil {
		return Transform{}, err
	}
	candStars := DetectStars(candidate, e.cfg)
	if len(refStars) < e.cfg.MinMatches || len(candStars) < e.cfg.MinMatches {
		return Transform{}, fmt.Errorf("%w: %d reference stars, %d candidate stars", ErrInsufficientMatches, len(refStars), len(candStars))
	}
	if err := ctx.Err(); err != nil {
		return Transform{}, err
	}

	t, pairs := e.vote(candStars, refStars)
	if len(pairs) < e.cfg.MinMatches {
		return Transform{}, fmt.Errorf("%w: %d of %d required", ErrInsufficientMatches, len(pairs), e.cfg.MinMatches)
	}

	// two refinement rounds: fit, re-collect inliers under the fitted model, fit again
	for i := 0; i < 2; i++ {
		t = rigidFit(pairs)
		next := inliers(candStars, refStars, t, e.cfg.Tolerance)
		if len(next) < e.cfg.MinMatches {
			break
		}
		pairs = next
	}
	return rigidFit(pairs), nil
}

func (e *StarEstimator) referenceStars(reference *imaging.Image) []Star {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refImage != reference {
		e.refImage = reference
		e.refStars = DetectStars(reference, e.cfg)
	}
	return e.refStars
}

// DetectStars thresholds at mean + Sigma·stddev, groups bright pixels into
// 4-connected blobs and returns their background-subtracted centroids,
// brightest first.
func DetectStars(img *imaging.Image, cfg StarConfig) []Star {
	lum := luminance(img)
	if len(lum) == 0 {
		return nil
	}
	mean, std := stat.MeanStdDev(lum, nil)
	if std == 0 || math.IsNaN(std) {
		return nil
	}
	threshold := mean + cfg.Sigma*std

	w, h := img.Width, img.Height
	visited := make([]bool, len(lum))
	var stars []Star
	var stack []int
	for start := range lum {
		if visited[start] || lum[start] <= threshold {
			continue
		}
		var sumX, sumY, flux float64
		area := 0
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w
			weight := lum[idx] - mean
			sumX += weight * float64(x)
			sumY += weight * float64(y)
			flux += weight
			area++

			for _, n := range [4][2]int{{x + 1, y}, {x - 1, y}, {x, y + 1}, {x, y - 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				ni := ny*w + nx
				if !visited[ni] && lum[ni] > threshold {
					visited[ni] = true
					stack = append(stack, ni)
				}
			}
		}
		if area < cfg.MinArea || area > cfg.MaxArea || flux <= 0 {
			continue
		}
		stars = append(stars, Star{X: sumX / flux, Y: sumY / flux, Flux: flux, Area: area})
	}

	sort.SliceStable(stars, func(i, j int) bool { return stars[i].Flux > stars[j].Flux })
	if cfg.MaxStars > 0 && len(stars) > cfg.MaxStars {
		stars = stars[:cfg.MaxStars]
	}
	return stars
}

func luminance(img *imaging.Image) []float64 {
	if img.Channels == 1 {
		return img.Pix
	}
	out := make([]float64, img.Width*img.Height)
	for i := range out {
		var s float64
		for c := 0; c < img.Channels; c++ {
			s += img.Pix[i*img.Channels+c]
		}
		out[i] = s / float64(img.Channels)
	}
	return out
}

type starPair struct {
	cand, ref Star
}

// vote tries every candidate→reference pairing as a translation hypothesis
// and keeps the one under which the most candidate stars land on a
// reference star.
func (e *StarEstimator) vote(cand, ref []Star) (Transform, []starPair) {
	var best Transform
	var bestPairs []starPair
	bestResidual := math.Inf(1)
	for _, c := range cand {
		for _, r := range ref {
			t := Transform{TranslationX: r.X - c.X, TranslationY: r.Y - c.Y}
			pairs := inliers(cand, ref, t, e.cfg.Tolerance)
			if len(pairs) < len(bestPairs) {
				continue
			}
			res := residual(pairs, t)
			if len(pairs) > len(bestPairs) || res < bestResidual {
				best, bestPairs, bestResidual = t, pairs, res
			}
		}
	}
	return best, bestPairs
}

// inliers pairs each candidate star with its nearest reference star under t,
// keeping pairs within tol and using each reference star once.
func inliers(cand, ref []Star, t Transform, tol float64) []starPair {
	used := make([]bool, len(ref))
	var pairs []starPair
	for _, c := range cand {
		px, py := t.apply(c.X, c.Y)
		bestIdx, bestDist := -1, tol
		for i, r := range ref {
			if used[i] {
				continue
			}
			if d := math.Hypot(r.X-px, r.Y-py); d <= bestDist {
				bestIdx, bestDist = i, d
			}
		}
		if bestIdx >= 0 {
			used[bestIdx] = true
			pairs = append(pairs, starPair{cand: c, ref: ref[bestIdx]})
		}
	}
	return pairs
}

func residual(pairs []starPair, t Transform) float64 {
	var sum float64
	for _, p := range pairs {
		px, py := t.apply(p.cand.X, p.cand.Y)
		sum += math.Hypot(p.ref.X-px, p.ref.Y-py)
	}
	return sum
}

func (t Transform) apply(x, y float64) (float64, float64) {
	sin, cos := math.Sincos(t.Rotation)
	return cos*x - sin*y + t.TranslationX, sin*x + cos*y + t.TranslationY
}

// rigidFit solves the least-squares rotation and translation mapping
// candidate positions onto reference positions.
func rigidFit(pairs []starPair) Transform {
	n := float64(len(pairs))
	var ccx, ccy, rcx, rcy float64
	for _, p := range pairs {
		ccx += p.cand.X
		ccy += p.cand.Y
		rcx += p.ref.X
		rcy += p.ref.Y
	}
	ccx, ccy, rcx, rcy = ccx/n, ccy/n, rcx/n, rcy/n

	var dot, cross float64
	for _, p := range pairs {
		cx, cy := p.cand.X-ccx, p.cand.Y-ccy
		rx, ry := p.ref.X-rcx, p.ref.Y-rcy
		dot += cx*rx + cy*ry
		cross += cx*ry - cy*rx
	}
	theta := math.Atan2(cross, dot)
	sin, cos := math.Sincos(theta)
	return Transform{
		Rotation:     theta,
		TranslationX: rcx - (cos*ccx - sin*ccy),
		TranslationY: rcy - (sin*ccx + cos*ccy),
	}
}
