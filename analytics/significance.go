package analytics

import "math"

// criticalZ is the two-tailed critical value at 95% confidence.
const criticalZ = 1.96

type Sample struct {
	Trials    int64
	Successes int64
}

// Valid reports whether the counts describe a real group.
func (s Sample) Valid() bool {
	return s.Trials >= 0 && s.Successes >= 0 && s.Successes <= s.Trials
}

func (s Sample) Rate() float64 {
	if s.Trials == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Trials)
}

type Significance struct {
	Z              float64
	Significant    bool
	ImprovementPct float64
	// Comparable is false when either group has no trials or invalid counts,
	// or the pooled standard error is zero.
	Comparable bool
}

// ComputeSignificance runs a pooled two-proportion z-test of variant against
// control. Z is the magnitude of the difference; the sign of ImprovementPct
// tells a lift from a drop.
func ComputeSignificance(control Sample, variant Sample) Significance {
	var out Significance
	if !control.Valid() || !variant.Valid() {
		return out
	}
	p1 := control.Rate()
	p2 := variant.Rate()
	if p1 > 0 {
		out.ImprovementPct = (p2 - p1) / p1 * 100
	}
	if control.Trials == 0 || variant.Trials == 0 {
		return out
	}
	n1 := float64(control.Trials)
	n2 := float64(variant.Trials)
	pooled := float64(control.Successes+variant.Successes) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 || math.IsNaN(se) {
		return out
	}
	out.Comparable = true
	out.Z = math.Abs(p2-p1) / se
	out.Significant = out.Z > criticalZ
	return out
}
