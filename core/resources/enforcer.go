package resources

import "fmt"

// Status is the graduated outcome of evaluating usage against limits.
type Status int

const (
	StatusNormal Status = iota
	StatusWarning
	StatusThrottle
	StatusViolation
	StatusEmergency
)

var statusNames = map[Status]string{
	StatusNormal:    "normal",
	StatusWarning:   "warning",
	StatusThrottle:  "throttle",
	StatusViolation: "violation",
	StatusEmergency: "emergency",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseStatus(s string) (Status, error) {
	for status, name := range statusNames {
		if name == s {
			return status, nil
		}
	}
	return StatusNormal, fmt.Errorf("unknown status %q", s)
}

// Thresholds are the inclusive lower bounds, as fractions of a ceiling, at
// which each status begins.
type Thresholds struct {
	Warning   float64 `yaml:"warning"`
	Throttle  float64 `yaml:"throttle"`
	Violation float64 `yaml:"violation"`
	Emergency float64 `yaml:"emergency"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:   0.75,
		Throttle:  0.90,
		Violation: 1.00,
		Emergency: 1.50,
	}
}

func (t Thresholds) Validate() error {
	if t.Warning <= 0 {
		return fmt.Errorf("warning threshold must be positive, got %v", t.Warning)
	}
	if !(t.Warning < t.Throttle && t.Throttle < t.Violation && t.Violation < t.Emergency) {
		return fmt.Errorf("thresholds must be strictly increasing: %v/%v/%v/%v",
			t.Warning, t.Throttle, t.Violation, t.Emergency)
	}
	return nil
}

// Evaluation is the most severe status across all fields, with the field and
// usage ratio that produced it.
type Evaluation struct {
	Status Status
	Field  Field
	Ratio  float64
}

// Enforcer classifies usage. It performs no I/O and holds no mutable state.
type Enforcer struct {
	thresholds Thresholds
}

// ratioEpsilon absorbs float rounding so that 0.9*limit lands on Throttle.
const ratioEpsilon = 1e-9

func NewEnforcer(thresholds Thresholds) (*Enforcer, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Enforcer{thresholds: thresholds}, nil
}

func (e *Enforcer) Thresholds() Thresholds {
	return e.thresholds
}

func (e *Enforcer) Evaluate(usage ResourceUsage, limits ResourceLimits) Evaluation {
	worst := Evaluation{Status: StatusNormal, Field: FieldMemory}
	for _, f := range AllFields {
		ceiling := limits.Ceiling(f)
		if ceiling <= 0 {
			continue
		}
		ratio := usage.Value(f) / ceiling
		status := e.classify(ratio)
		if status > worst.Status || (status == worst.Status && ratio > worst.Ratio) {
			worst = Evaluation{Status: status, Field: f, Ratio: ratio}
		}
	}
	return worst
}

func (e *Enforcer) classify(ratio float64) Status {
	r := ratio + ratioEpsilon
	switch {
	case r >= e.thresholds.Emergency:
		return StatusEmergency
	case r >= e.thresholds.Violation:
		return StatusViolation
	case r >= e.thresholds.Throttle:
		return StatusThrottle
	case r >= e.thresholds.Warning:
		return StatusWarning
	default:
		return StatusNormal
	}
}
