package replay

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxLineSize bounds a single JSONL_V1 record.
const maxLineSize = 1 << 20

// wireRecord keeps the snapshot as a pointer so a line without one is
// rejected instead of decoding to a zero snapshot.
type wireRecord struct {
	OffsetMs *int64    `json:"offsetMs"`
	Snapshot *Snapshot `json:"snapshot"`
}

// ParseTimeline reads newline-delimited records. Blank lines are ignored;
// any other line that does not decode fails the whole ingestion.
func ParseTimeline(r io.Reader) (*Timeline, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []Record
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, &RecordError{Line: line, Err: err}
		}
		if err := checkRecord(rec); err != nil {
			return nil, &RecordError{Line: line, Err: err}
		}
		if n := len(records); n > 0 {
			if err := checkNext(records[n-1], rec); err != nil {
				return nil, &RecordError{Line: line, Err: err}
			}
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &RecordError{Line: line + 1, Err: err}
		}
		return nil, fmt.Errorf("replay: read: %w", err)
	}
	return &Timeline{records: records}, nil
}

func decodeRecord(raw []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, err
	}
	if w.OffsetMs == nil {
		return Record{}, errors.New("missing offsetMs")
	}
	if w.Snapshot == nil {
		return Record{}, errors.New("missing snapshot")
	}
	return Record{OffsetMs: *w.OffsetMs, Snapshot: *w.Snapshot}, nil
}

// LoadFile parses a replay from a .jsonl file or from a .zip archive that
// contains one.
func LoadFile(path string) (*Timeline, error) {
	if strings.HasSuffix(strings.ToLower(path), ".zip") {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return parseZip(&zr.Reader)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTimeline(f)
}

func parseZip(zr *zip.Reader) (*Timeline, error) {
	var target *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".jsonl") {
			target = f
			break
		}
	}
	if target == nil {
		if len(zr.File) == 0 {
			return nil, fmt.Errorf("no files in archive")
		}
		target = zr.File[0]
	}
	rc, err := target.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseTimeline(rc)
}
