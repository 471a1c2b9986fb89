package recovery

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Stats summarizes a tool's retained recovery history.
type Stats struct {
	ToolID         string
	Attempts       int
	Successes      int
	SuccessRate    float64
	ByStrategy     Rates
	MeanDuration   time.Duration
	StdDevDuration time.Duration
	Next           Strategy
	Recoverable    bool
}

func (c *Coordinator) Stats(toolID string) Stats {
	attempts := c.History(toolID)
	rates := ratesOf(attempts)
	overall := rates.Overall()

	s := Stats{
		ToolID:      toolID,
		Attempts:    overall.Attempts,
		Successes:   overall.Successes,
		SuccessRate: overall.Value(),
		ByStrategy:  rates,
		Next:        c.NextStrategy(toolID),
		Recoverable: c.IsRecoverable(toolID),
	}
	s.MeanDuration, s.StdDevDuration = durationSpread(attempts)
	return s
}

func durationSpread(attempts []Attempt) (mean, stddev time.Duration) {
	if len(attempts) == 0 {
		return 0, 0
	}
	xs := make([]float64, len(attempts))
	for i, a := range attempts {
		xs[i] = float64(a.Duration)
	}
	if len(xs) == 1 {
		return time.Duration(xs[0]), 0
	}
	m, sd := stat.MeanStdDev(xs, nil)
	return time.Duration(m), time.Duration(sd)
}
