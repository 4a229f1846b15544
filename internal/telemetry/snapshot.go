package telemetry

import "time"

// Health describes how trustworthy a snapshot currently is.
type Health uint8

const (
	// HealthUnknown represents a boot state before the first poll.
	HealthUnknown Health = iota

	// HealthOK means the snapshot is from the most recent poll cycle.
	HealthOK

	// HealthStale means the last poll failed; values are last-known-good.
	HealthStale

	// HealthUnreachable means polling has failed repeatedly.
	HealthUnreachable
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthStale:
		return "stale"
	case HealthUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ValueKind discriminates Value payloads.
type ValueKind uint8

const (
	KindNumber ValueKind = iota
	KindText
)

// Value is one decoded telemetry field. Scale and unit are already applied.
type Value struct {
	Kind   ValueKind
	Number float64
	Text   string
	Unit   string
}

// Number returns a numeric Value.
func Number(v float64, unit string) Value {
	return Value{Kind: KindNumber, Number: v, Unit: unit}
}

// Text returns a textual Value.
func Text(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// Snapshot is the most recent fully decoded reading for one device.
// A poll either replaces the whole snapshot or leaves the previous one
// with a degraded Health. Never partially updated.
type Snapshot struct {
	Fields map[string]Value
	Taken  time.Time
	Health Health
}
