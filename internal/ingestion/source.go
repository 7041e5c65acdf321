package ingestion

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Source names, used in logs, metrics, the trigger route and the CLI.
const (
	SourceBulk    = "bulk"
	SourceCaseAPI = "caseapi"
	SourceFeed    = "feed"
)

var (
	ErrRejected    = errors.New("record rejected")
	ErrMissingKey  = fmt.Errorf("%w: no external key", ErrRejected)
	ErrMissingDate = fmt.Errorf("%w: no event date", ErrRejected)

	ErrRunInProgress = errors.New("run already in progress")
	ErrUnknownSource = errors.New("unknown source")
)

// RawRecord is one upstream record before normalization.
type RawRecord map[string]any

// Source yields raw records lazily. Errors are fatal to the run unless they
// are *ItemError. Calling Fetch again restarts from the beginning.
type Source interface {
	Name() string
	Fetch(ctx context.Context) iter.Seq2[RawRecord, error]
}

// ItemError reports one malformed upstream item; the run continues.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

func IsItemError(err error) bool {
	var ie *ItemError
	return errors.As(err, &ie)
}
