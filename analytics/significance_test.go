package analytics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeSignificance(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"small lift is not significant": func(t *testing.T) {
			s := ComputeSignificance(Sample{Trials: 1000, Successes: 50}, Sample{Trials: 1000, Successes: 70})
			require.True(t, s.Comparable)
			require.False(t, s.Significant)
			require.InDelta(t, 1.88, s.Z, 0.01)
			require.InDelta(t, 40.0, s.ImprovementPct, 0.0001)
		},
		"doubling is significant": func(t *testing.T) {
			s := ComputeSignificance(Sample{Trials: 1000, Successes: 100}, Sample{Trials: 1000, Successes: 200})
			require.True(t, s.Significant)
			require.Greater(t, s.Z, 1.96)
			require.InDelta(t, 100.0, s.ImprovementPct, 0.0001)
		},
		"drop is significant with positive z": func(t *testing.T) {
			s := ComputeSignificance(Sample{Trials: 1000, Successes: 200}, Sample{Trials: 1000, Successes: 100})
			require.True(t, s.Comparable)
			require.True(t, s.Significant)
			require.Greater(t, s.Z, 1.96)
			require.InDelta(t, -50.0, s.ImprovementPct, 0.0001)

			lift := ComputeSignificance(Sample{Trials: 1000, Successes: 100}, Sample{Trials: 1000, Successes: 200})
			require.InDelta(t, lift.Z, s.Z, 1e-9)
		},
		"invalid counts are not comparable": func(t *testing.T) {
			for _, pair := range [][2]Sample{
				{{Trials: 10, Successes: 20}, {Trials: 10, Successes: 5}},
				{{Trials: 10, Successes: 5}, {Trials: 10, Successes: -1}},
				{{Trials: -10, Successes: 0}, {Trials: 10, Successes: 5}},
			} {
				s := ComputeSignificance(pair[0], pair[1])
				require.False(t, s.Comparable)
				require.False(t, s.Significant)
				require.Zero(t, s.Z)
				require.Zero(t, s.ImprovementPct)
			}
		},
		"empty group is not comparable": func(t *testing.T) {
			s := ComputeSignificance(Sample{}, Sample{Trials: 10, Successes: 5})
			require.False(t, s.Comparable)
			require.False(t, s.Significant)
			require.Zero(t, s.ImprovementPct)
		},
		"zero variance is not comparable": func(t *testing.T) {
			s := ComputeSignificance(Sample{Trials: 10}, Sample{Trials: 10})
			require.False(t, s.Comparable)
			require.False(t, s.Significant)
		},
	} {
		t.Run(scenario, fn)
	}
}
