package recovery

import (
	"fmt"
	"strings"
)

// Strategy is a recovery action, ordered from least to most disruptive.
type Strategy int

const (
	StrategyRetry Strategy = iota
	StrategyReset
	StrategyRestart
	StrategyIsolate
	StrategyUnregister
)

var Strategies = []Strategy{
	StrategyRetry,
	StrategyReset,
	StrategyRestart,
	StrategyIsolate,
	StrategyUnregister,
}

var strategyNames = map[Strategy]string{
	StrategyRetry:      "retry",
	StrategyReset:      "reset",
	StrategyRestart:    "restart",
	StrategyIsolate:    "isolate",
	StrategyUnregister: "unregister",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// Next returns the following strategy, capped at Unregister.
func (s Strategy) Next() Strategy {
	if s >= StrategyUnregister {
		return StrategyUnregister
	}
	return s + 1
}

func (s Strategy) Terminal() bool {
	return s == StrategyUnregister
}

func ParseStrategy(text string) (Strategy, error) {
	want := strings.ToLower(strings.TrimSpace(text))
	for s, name := range strategyNames {
		if name == want {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown recovery strategy %q", text)
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
