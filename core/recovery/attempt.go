package recovery

import (
	"time"

	"github.com/adalundhe/toolrt/core/resources"
)

// Attempt is one executed recovery action. Attempts are values and are never
// modified after they are recorded.
type Attempt struct {
	ID        string
	ToolID    string
	EpisodeID string
	// Step is the 1-based position of the attempt within its episode.
	Step      int
	Strategy  Strategy
	Success   bool
	Cause     string
	Err       string
	Usage     *resources.ResourceUsage
	StartedAt time.Time
	Duration  time.Duration
}

// Rate counts outcomes for one strategy.
type Rate struct {
	Attempts  int
	Successes int
}

func (r Rate) Value() float64 {
	if r.Attempts == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.Attempts)
}

// Rates holds per-strategy outcomes over the retained history.
type Rates map[Strategy]Rate

func (r Rates) Overall() Rate {
	var total Rate
	for _, rate := range r {
		total.Attempts += rate.Attempts
		total.Successes += rate.Successes
	}
	return total
}
