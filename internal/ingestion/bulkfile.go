package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// Members searched, in order, when a bulk export wraps its array in an
// object.
var bulkArrayMembers = []string{"Data", "data", "records", "Records", "items"}

// BulkFileSource reads a complete JSON export from disk.
type BulkFileSource struct {
	path string
	open func() (io.ReadCloser, error)
}

func NewBulkFileSource(path string) *BulkFileSource {
	return &BulkFileSource{
		path: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// NewBulkReaderSource reads the export from r. It can only be fetched once.
func NewBulkReaderSource(r io.Reader) *BulkFileSource {
	return &BulkFileSource{
		path: "<reader>",
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}
}

func (s *BulkFileSource) Name() string { return SourceBulk }

func (s *BulkFileSource) Fetch(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		items, err := s.load()
		if err != nil {
			yield(nil, err)
			return
		}

		for i, item := range items {
			if ctx.Err() != nil {
				return
			}
			var rec RawRecord
			if err := json.Unmarshal(item, &rec); err != nil || rec == nil {
				if err == nil {
					err = errors.New("not an object")
				}
				if !yield(nil, &ItemError{Index: i, Err: err}) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *BulkFileSource) load() ([]json.RawMessage, error) {
	f, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("error opening bulk file %s: %w", s.path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("error reading bulk file %s: %w", s.path, err)
	}
	return parseBulkDocument(data)
}

func parseBulkDocument(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("bulk document is empty")
	}

	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("error decoding bulk array: %w", err)
		}
		return items, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("error decoding bulk document: %w", err)
	}
	for _, member := range bulkArrayMembers {
		raw, ok := wrapper[member]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			return items, nil
		}
	}
	return nil, errors.New("bulk document has no record array")
}
