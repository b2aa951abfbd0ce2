package market

import (
	"context"
	"fmt"
)

// Source produces a full snapshot per call.
//
//go:generate mockgen -package=market_test -destination=mock_source_test.go -source=source.go Source
//go:generate mockgen -package=scheduler_test -destination=../scheduler/mock_source_test.go -source=source.go Source
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*Snapshot, error)
}

// SourceError reports a failed fetch or decode. It is recoverable: the
// caller keeps its last good snapshot.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("source: %v", e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func sourceErr(source string, format string, args ...any) *SourceError {
	return &SourceError{Source: source, Err: fmt.Errorf(format, args...)}
}
