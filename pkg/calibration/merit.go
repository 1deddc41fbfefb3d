package calibration

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/cryolab/deltarun/pkg/errdefs"
)

const (
	// MinPoints is the fewest points that can be scored.
	MinPoints = 6
	// minBranchPoints is what a second derivative needs.
	minBranchPoints = 3
	// pairTolerance is the relative |V| difference still considered the same
	// sweep setting.
	pairTolerance = 1e-6
	// resolution is the relative size below which a merit term is noise.
	resolution = 1e-6
)

// Gradient returns dy/dx for samples on an arbitrary, strictly monotonic grid.
// Interior points use the second order accurate three point formula for
// uneven spacing, the end points one sided first differences.
func Gradient(y, x []float64) ([]float64, error) {
	n := len(x)
	if len(y) != n {
		return nil, fmt.Errorf("gradient: length mismatch %d != %d", len(y), n)
	}
	if n < 2 {
		return nil, fmt.Errorf("gradient: need at least 2 points, got %d", n)
	}

	g := make([]float64, n)
	g[0] = (y[1] - y[0]) / (x[1] - x[0])
	g[n-1] = (y[n-1] - y[n-2]) / (x[n-1] - x[n-2])
	for i := 1; i < n-1; i++ {
		h1 := x[i] - x[i-1]
		h2 := x[i+1] - x[i]
		a := -h2 / (h1 * (h1 + h2))
		b := (h2 - h1) / (h1 * h2)
		c := h1 / (h2 * (h1 + h2))
		g[i] = a*y[i-1] + b*y[i] + c*y[i+1]
	}
	return g, nil
}

// Rank rates points and picks the recommended current. Points are split into
// a positive and a negative branch by the sign of their setpoint, each branch
// is scored on its own, and positive and negative points with the same |V|
// are paired. The pair with the lowest summed merit wins.
//
// Fewer than MinPoints points, fewer than three points in a branch or no
// pairable magnitudes yield ErrInconclusive. The Result still carries the
// points and whatever scores could be computed.
func Rank(points []Point, w Weights) (Result, error) {
	res := Result{Points: points}
	if len(points) < MinPoints {
		return res, fmt.Errorf("%w: %d points, need at least %d", errdefs.ErrInconclusive, len(points), MinPoints)
	}

	var pos, neg []Point
	for _, p := range points {
		switch {
		case p.Setpoint > 0:
			pos = append(pos, p)
		case p.Setpoint < 0:
			neg = append(neg, p)
		}
	}
	if len(pos) < minBranchPoints || len(neg) < minBranchPoints {
		return res, fmt.Errorf("%w: branches have %d and %d points, need %d each",
			errdefs.ErrInconclusive, len(pos), len(neg), minBranchPoints)
	}

	var err error
	if res.Positive, err = scoreBranch(pos, 1, w); err != nil {
		return res, err
	}
	if res.Negative, err = scoreBranch(neg, -1, w); err != nil {
		return res, err
	}

	best := -1
	var bestMerit float64
	var bestNeg Score
	for i, p := range res.Positive {
		n, ok := matchMagnitude(res.Negative, math.Abs(p.Point.Setpoint))
		if !ok {
			continue
		}
		m := p.Merit + n.Merit
		if best < 0 || m < bestMerit {
			best, bestMerit, bestNeg = i, m, n
		}
	}
	if best < 0 {
		return res, fmt.Errorf("%w: no voltage was measured in both directions", errdefs.ErrInconclusive)
	}

	p := res.Positive[best].Point
	res.Recommendation = &Recommendation{
		Voltage:    math.Abs(p.Setpoint),
		Current:    math.Abs(p.SourceCurrent),
		Resistance: (p.SampleResistance + bestNeg.Point.SampleResistance) / 2,
		Merit:      bestMerit,
	}
	return res, nil
}

// scoreBranch scores one branch. sign flips the negative branch so that both
// are evaluated on increasing |V| and, for an ohmic sample, increasing current.
func scoreBranch(points []Point, sign float64, w Weights) ([]Score, error) {
	pts := slices.Clone(points)
	slices.SortFunc(pts, func(a, b Point) int {
		return cmp.Compare(math.Abs(a.Setpoint), math.Abs(b.Setpoint))
	})

	n := len(pts)
	x := make([]float64, n)
	y := make([]float64, n)
	noise := make([]float64, n)
	heat := make([]float64, n)
	for i, p := range pts {
		x[i] = math.Abs(p.Setpoint)
		y[i] = sign * p.SourceCurrent
		noise[i] = p.ResistanceStdDev
		heat[i] = p.Setpoint * p.Setpoint
	}
	for i := 1; i < n; i++ {
		if x[i] == x[i-1] {
			return nil, fmt.Errorf("%w: voltage %g measured twice in one direction", errdefs.ErrInconclusive, x[i])
		}
	}

	d1, err := Gradient(y, x)
	if err != nil {
		return nil, err
	}
	d2, err := Gradient(d1, x)
	if err != nil {
		return nil, err
	}

	// Terms below numerical resolution count as zero.
	xMax, yMax := x[n-1], math.Max(math.Abs(floats.Max(y)), math.Abs(floats.Min(y)))
	for i := range d2 {
		d2[i] = math.Abs(d2[i])
		if d2[i]*xMax*xMax <= resolution*yMax {
			d2[i] = 0
		}
	}
	for i, p := range pts {
		if noise[i] <= resolution*math.Abs(p.SampleResistance) {
			noise[i] = 0
		}
	}

	normalize(d2)
	normalize(noise)
	normalize(heat)

	scores := make([]Score, n)
	for i, p := range pts {
		scores[i] = Score{
			Point:        p,
			Nonlinearity: d2[i],
			Noise:        noise[i],
			Heating:      heat[i],
			Merit:        w.Nonlinearity*d2[i] + w.Noise*noise[i] + w.Heating*heat[i],
		}
	}
	return scores, nil
}

// normalize scales f so that its maximum is 1. An all-zero term stays zero.
func normalize(f []float64) {
	if m := floats.Max(f); m > 0 && !math.IsInf(m, 0) {
		floats.Scale(1/m, f)
	}
}

func matchMagnitude(scores []Score, v float64) (Score, bool) {
	for _, s := range scores {
		if math.Abs(math.Abs(s.Point.Setpoint)-v) <= pairTolerance*v {
			return s, true
		}
	}
	return Score{}, false
}
