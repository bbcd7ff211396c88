package dump

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Timing is what one rank measured during one dump. Durations are seconds.
type Timing struct {
	Rank      int
	WriteWait float64 // blocked in Acquire
	WriteHold float64 // from Acquire returning to Release returning
	ReadWait  float64
	ReadHold  float64
	Failed    bool
}

// Stats summarizes one duration across ranks.
type Stats struct {
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"stddev"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
}

func summarize(xs []float64) Stats {
	if len(xs) == 0 {
		return Stats{}
	}
	s := Stats{Min: floats.Min(xs), Max: floats.Max(xs)}
	if len(xs) == 1 {
		s.Mean = xs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}

func column(ts []Timing, f func(Timing) float64) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = f(t)
	}
	return out
}
