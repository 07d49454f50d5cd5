package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Finding is the payload shape produced by Researcher.
type Finding struct {
	Topic      string    `json:"topic"`
	Summary    string    `json:"summary"`
	KeyPoints  []string  `json:"keyPoints"`
	Sources    []string  `json:"sources"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Researcher fabricates a Finding per topic.
type Researcher struct {
	Latency     time.Duration
	FailureRate float64
	Now         func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewResearcher(seed uint64) *Researcher {
	return &Researcher{rng: newRand(seed), Now: time.Now}
}

func (r *Researcher) Research(ctx context.Context, topic string) (json.RawMessage, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("research: empty topic")
	}
	if err := sleep(ctx, r.Latency); err != nil {
		return nil, err
	}
	r.mu.Lock()
	fail := r.rng.Float64() < r.FailureRate
	confidence := r.rng.Float64() * 100
	r.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("research %s: %w", topic, ErrProviderFailure)
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	f := Finding{
		Topic:   topic,
		Summary: fmt.Sprintf("Learned about %s through autonomous research", topic),
		KeyPoints: []string{
			fmt.Sprintf("Understanding %s mechanisms", topic),
			fmt.Sprintf("Best practices for %s", topic),
			fmt.Sprintf("Security considerations for %s", topic),
		},
		Sources:    []string{"ethereum.org", "docs.soliditylang.org", "github.com/ethereum"},
		Confidence: confidence,
		Timestamp:  now().UTC(),
	}
	return json.Marshal(f)
}

func (r *Researcher) Ping(ctx context.Context) error { return ctx.Err() }
