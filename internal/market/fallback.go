package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FallbackSource tries each source in order and returns the first
// successful snapshot.
type FallbackSource struct {
	sources []Source
}

func NewFallbackSource(sources ...Source) *FallbackSource {
	return &FallbackSource{sources: sources}
}

func (m *FallbackSource) Name() string {
	names := make([]string, 0, len(m.sources))
	for _, s := range m.sources {
		names = append(names, s.Name())
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

func (m *FallbackSource) Fetch(ctx context.Context) (*Snapshot, error) {
	if len(m.sources) == 0 {
		return nil, &SourceError{Source: m.Name(), Err: fmt.Errorf("no sources configured")}
	}
	var lastErr error
	for _, s := range m.sources {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		snap, err := s.Fetch(ctx)
		if err == nil && snap != nil {
			return snap, nil
		}
		if err == nil {
			err = fmt.Errorf("%s returned no snapshot", s.Name())
		}
		lastErr = err
	}
	var se *SourceError
	if errors.As(lastErr, &se) {
		return nil, se
	}
	return nil, &SourceError{Source: m.Name(), Err: lastErr}
}
