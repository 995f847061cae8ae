package models

import "time"

// TimeType identifies how a timeline measures time.
type TimeType uint8

const (
	// TimeTypeSequence is a monotonically increasing counter (frame number, tick).
	TimeTypeSequence TimeType = iota
	// TimeTypeDuration is elapsed time in nanoseconds.
	TimeTypeDuration
	// TimeTypeTimestamp is nanoseconds since the Unix epoch.
	TimeTypeTimestamp
)

// String returns the canonical name of the time type.
func (t TimeType) String() string {
	switch t {
	case TimeTypeSequence:
		return "sequence"
	case TimeTypeDuration:
		return "duration"
	case TimeTypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// TimeValue is a tagged time value on one timeline.
// The payload is always an int64: a raw counter for sequence timelines,
// nanoseconds for duration and timestamp timelines.
type TimeValue struct {
	Type  TimeType
	Value int64
}

// Sequence builds a sequence time value.
func Sequence(v int64) TimeValue {
	return TimeValue{Type: TimeTypeSequence, Value: v}
}

// Duration builds a duration time value from a time.Duration.
func Duration(d time.Duration) TimeValue {
	return TimeValue{Type: TimeTypeDuration, Value: d.Nanoseconds()}
}

// Timestamp builds a timestamp time value from a time.Time.
func Timestamp(t time.Time) TimeValue {
	return TimeValue{Type: TimeTypeTimestamp, Value: t.UnixNano()}
}

// TimePoint maps timeline names to time values. At most one value per
// timeline. A TimePoint is treated as immutable once attached to a LogRow;
// callers that reuse one across rows must not mutate it afterwards.
type TimePoint map[string]TimeValue

// Clone returns an independent copy of the time point.
func (tp TimePoint) Clone() TimePoint {
	if tp == nil {
		return nil
	}
	out := make(TimePoint, len(tp))
	for name, v := range tp {
		out[name] = v
	}
	return out
}
