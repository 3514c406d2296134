package replay

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyTimeline is returned by lookups against a timeline without records.
	ErrEmptyTimeline = errors.New("replay: empty timeline")
	// ErrMalformedRecord marks input that cannot become a timeline record.
	ErrMalformedRecord = errors.New("replay: malformed record")
)

// RecordError reports which input line could not be ingested.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("replay: line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() []error { return []error{ErrMalformedRecord, e.Err} }

// Timeline is an immutable, offset-ordered sequence of records. A nil
// *Timeline behaves as an empty one.
type Timeline struct {
	records []Record
}

// NewTimeline builds a timeline from records already in offset order. The
// slice is owned by the timeline afterwards.
func NewTimeline(records []Record) (*Timeline, error) {
	for i, r := range records {
		if err := checkRecord(r); err != nil {
			return nil, &RecordError{Line: i + 1, Err: err}
		}
		if i > 0 {
			if err := checkNext(records[i-1], r); err != nil {
				return nil, &RecordError{Line: i + 1, Err: err}
			}
		}
	}
	return &Timeline{records: records}, nil
}

// Len returns the number of records.
func (t *Timeline) Len() int {
	if t == nil {
		return 0
	}
	return len(t.records)
}

// Duration is the offset of the last record, or 0 for an empty timeline.
func (t *Timeline) Duration() int64 {
	if t.Len() == 0 {
		return 0
	}
	return t.records[len(t.records)-1].OffsetMs
}

// StateAt resolves the snapshot visible at ms: the last record whose offset
// is <= ms. Times before the first record resolve to the first record and
// equal offsets resolve to the record that appears later.
func (t *Timeline) StateAt(ms int64) (Snapshot, error) {
	if t.Len() == 0 {
		return Snapshot{}, ErrEmptyTimeline
	}
	i := sort.Search(len(t.records), func(i int) bool {
		return t.records[i].OffsetMs > ms
	})
	if i == 0 {
		return t.records[0].Snapshot, nil
	}
	return t.records[i-1].Snapshot, nil
}

// Final returns the last snapshot of the replay.
func (t *Timeline) Final() (Snapshot, error) {
	if t.Len() == 0 {
		return Snapshot{}, ErrEmptyTimeline
	}
	return t.records[len(t.records)-1].Snapshot, nil
}

// Records returns a copy of the underlying records.
func (t *Timeline) Records() []Record {
	if t.Len() == 0 {
		return nil
	}
	return append([]Record(nil), t.records...)
}
