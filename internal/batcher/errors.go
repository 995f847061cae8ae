package batcher

import (
	"errors"
	"fmt"
)

// ErrBatcherClosed is returned by Push and Flush after Close. It signals
// misuse by the caller, not a transient condition.
var ErrBatcherClosed = errors.New("batcher is closed")

// ErrInvalidPartition is returned when a row is handed to an accumulator
// whose entity path does not match the row's. It indicates a routing bug.
var ErrInvalidPartition = errors.New("row routed to wrong partition")

// ColumnTypeError is returned when a component name is reused with an
// incompatible element type within one partition. The append is rejected
// before any accumulator state is mutated.
type ColumnTypeError struct {
	EntityPath string
	Component  string
	Want       string
	Got        string
}

func (e *ColumnTypeError) Error() string {
	return fmt.Sprintf("entity %q: component %q logged as %s, previously %s",
		e.EntityPath, e.Component, e.Got, e.Want)
}

// TimelineTypeError is returned when a timeline name is reused with a
// different time type within one partition.
type TimelineTypeError struct {
	EntityPath string
	Timeline   string
	Want       string
	Got        string
}

func (e *TimelineTypeError) Error() string {
	return fmt.Sprintf("entity %q: timeline %q logged as %s, previously %s",
		e.EntityPath, e.Timeline, e.Got, e.Want)
}

// SinkError wraps a sink failure for asynchronous reporting. The chunk was
// sealed and handed off; its fate is the sink's responsibility.
type SinkError struct {
	EntityPath string
	ChunkID    string
	Err        error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink rejected chunk %s for entity %q: %v", e.ChunkID, e.EntityPath, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
