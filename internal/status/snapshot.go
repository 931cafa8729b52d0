// internal/status/snapshot.go
package status

import (
	"sort"
	"time"
)

// Snapshot is the connectivity state of every controller at one poll.
// It contains no logic and no memory of the past beyond current state.
type Snapshot struct {
	At        time.Time
	Connected map[string]bool
}

// Transition is one controller whose connectivity changed between snapshots.
type Transition struct {
	Controller string
	From       uint16
	To         uint16
}

// Health returns the health code of one controller in the snapshot.
func (s Snapshot) Health(name string) uint16 {
	c, ok := s.Connected[name]
	switch {
	case !ok:
		return HealthUnknown
	case c:
		return HealthOK
	default:
		return HealthError
	}
}

// Map returns a copy of the connectivity map, safe to hand to sinks.
func (s Snapshot) Map() map[string]bool {
	out := make(map[string]bool, len(s.Connected))
	for k, v := range s.Connected {
		out[k] = v
	}
	return out
}

// Diff lists controllers whose health differs from prev, sorted by name.
// Controllers that disappeared are reported as going to HealthUnknown.
func Diff(prev, next Snapshot) []Transition {
	names := make(map[string]struct{}, len(next.Connected))
	for n := range prev.Connected {
		names[n] = struct{}{}
	}
	for n := range next.Connected {
		names[n] = struct{}{}
	}

	var out []Transition
	for n := range names {
		from, to := prev.Health(n), next.Health(n)
		if from != to {
			out = append(out, Transition{Controller: n, From: from, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Controller < out[j].Controller })
	return out
}

// HealthName is the log label of a health code.
func HealthName(h uint16) string {
	switch h {
	case HealthOK:
		return "connected"
	case HealthError:
		return "disconnected"
	default:
		return "unknown"
	}
}
