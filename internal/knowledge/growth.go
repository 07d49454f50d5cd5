package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"autocycle/internal/backend"
	"autocycle/internal/domain"
)

const (
	// GrowthArtifact is the backend name of the growth samples.
	GrowthArtifact = "growth"
	// DefaultGrowthWindow is how many samples are kept.
	DefaultGrowthWindow = 100
)

// Growth is a bounded history of knowledge sizes, oldest first.
type Growth struct {
	Window int

	mu      sync.Mutex
	samples []domain.GrowthSample
	ioMu    sync.Mutex
}

func (g *Growth) window() int {
	if g.Window > 0 {
		return g.Window
	}
	return DefaultGrowthWindow
}

// Record appends a sample, drops the oldest beyond the window and returns the
// growth since the oldest retained sample.
func (g *Growth) Record(size int, at time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.samples = append(g.samples, domain.GrowthSample{Size: size, Timestamp: at.UTC()})
	if extra := len(g.samples) - g.window(); extra > 0 {
		g.samples = append([]domain.GrowthSample(nil), g.samples[extra:]...)
	}
	return size - g.samples[0].Size
}

// Samples returns a copy of the retained samples, oldest first.
func (g *Growth) Samples() []domain.GrowthSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.GrowthSample{}, g.samples...)
}

// Persist writes the samples artifact.
func (g *Growth) Persist(ctx context.Context, b backend.Backend) error {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()
	data, err := json.Marshal(g.Samples())
	if err != nil {
		return fmt.Errorf("encode growth: %w", err)
	}
	if err := b.Write(ctx, GrowthArtifact, data); err != nil {
		return fmt.Errorf("persist growth: %w", err)
	}
	return nil
}

// LoadFrom replaces the samples with the persisted artifact, trimmed to the
// window. A missing artifact leaves the history empty.
func (g *Growth) LoadFrom(ctx context.Context, b backend.Backend) (int, error) {
	data, err := b.Read(ctx, GrowthArtifact)
	if errors.Is(err, backend.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var samples []domain.GrowthSample
	if err := json.Unmarshal(data, &samples); err != nil {
		return 0, fmt.Errorf("decode growth: %w", err)
	}
	if extra := len(samples) - g.window(); extra > 0 {
		samples = samples[extra:]
	}
	g.mu.Lock()
	g.samples = samples
	g.mu.Unlock()
	return len(samples), nil
}
