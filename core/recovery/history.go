package recovery

const DefaultHistorySize = 64

// history is a bounded ring of attempts for one tool. When full, the oldest
// attempt is overwritten. It is guarded by the owning toolState's lock.
type history struct {
	items []Attempt
	head  int
	count int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &history{items: make([]Attempt, capacity)}
}

func (h *history) push(a Attempt) {
	h.items[h.head] = a
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

func (h *history) last() (Attempt, bool) {
	if h.count == 0 {
		return Attempt{}, false
	}
	idx := (h.head - 1 + len(h.items)) % len(h.items)
	return h.items[idx], true
}

// all returns the retained attempts oldest first, or nil when there are none.
func (h *history) all() []Attempt {
	if h.count == 0 {
		return nil
	}
	out := make([]Attempt, h.count)
	start := (h.head - h.count + len(h.items)) % len(h.items)
	for i := range out {
		out[i] = h.items[(start+i)%len(h.items)]
	}
	return out
}

func (h *history) len() int {
	return h.count
}

// next picks the strategy for the coming attempt: one step past the previous
// attempt if that attempt failed, otherwise Retry.
func (h *history) next() (strategy Strategy, episode string, step int) {
	prev, ok := h.last()
	if !ok || prev.Success {
		return StrategyRetry, "", 1
	}
	return prev.Strategy.Next(), prev.EpisodeID, prev.Step + 1
}

func (h *history) rates() Rates {
	return ratesOf(h.all())
}

func ratesOf(attempts []Attempt) Rates {
	rates := make(Rates, len(Strategies))
	for _, a := range attempts {
		r := rates[a.Strategy]
		r.Attempts++
		if a.Success {
			r.Successes++
		}
		rates[a.Strategy] = r
	}
	return rates
}
