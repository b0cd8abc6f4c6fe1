package supervisor

import "fmt"

// Phase is the supervisor's lifecycle position.
//
// NotStarted -> Starting -> Running -> Stopping -> Stopped
//
// Stopped behaves like NotStarted for a restart.
type Phase int32

const (
	NotStarted Phase = iota
	Starting
	Running
	Stopping
	Stopped
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, error) {
	for p := NotStarted; p <= Stopped; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// idle reports whether Start may spawn from this phase.
func (p Phase) idle() bool { return p == NotStarted || p == Stopped }

// active reports whether a worker handle is held.
func (p Phase) active() bool { return p == Starting || p == Running || p == Stopping }
