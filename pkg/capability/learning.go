package capability

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/nodes"
)

// FieldStats is what the learner has seen on one path.
type FieldStats struct {
	Path    string           `json:"path"`
	Samples int64            `json:"samples"`
	Fields  map[string]int64 `json:"fields"`
}

// FieldLearner counts the field names submitted per path so operators can derive
// expected_fields settings from real traffic. Sampling is deterministic: a submission
// is kept when the hash of its client and field set falls under sample_rate.
type FieldLearner struct {
	mu    sync.Mutex
	paths map[string]*FieldStats
	// MaxPaths bounds the number of tracked paths; new paths are ignored beyond it.
	MaxPaths int
}

// NewFieldLearner creates an empty learner.
func NewFieldLearner() *FieldLearner {
	return &FieldLearner{paths: make(map[string]*FieldStats), MaxPaths: 1024}
}

// Observe implements runtime.Observer.
func (l *FieldLearner) Observe(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) {
	if facts == nil {
		return
	}
	names := facts.FieldNames()
	if !Sampled(facts.ClientIP+"|"+strings.Join(names, ","), cfg.Float("sample_rate", 1)) {
		return
	}
	path := facts.Path
	if path == "" {
		path = "/"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	stats, ok := l.paths[path]
	if !ok {
		if l.MaxPaths > 0 && len(l.paths) >= l.MaxPaths {
			return
		}
		stats = &FieldStats{Path: path, Fields: make(map[string]int64)}
		l.paths[path] = stats
	}
	stats.Samples++
	for _, n := range names {
		stats.Fields[n]++
	}
}

// Snapshot returns a copy of the learned statistics ordered by path.
func (l *FieldLearner) Snapshot() []FieldStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FieldStats, 0, len(l.paths))
	for _, s := range l.paths {
		fields := make(map[string]int64, len(s.Fields))
		for k, v := range s.Fields {
			fields[k] = v
		}
		out = append(out, FieldStats{Path: s.Path, Samples: s.Samples, Fields: fields})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Sampled reports whether key falls inside rate, a fraction in [0, 1].
func Sampled(key string, rate float64) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return float64(h.Sum32()%10000) < rate*10000
}

// RegisterObservers installs the default observers on d.
func RegisterObservers(d *nodes.Dispatcher, learner *FieldLearner) error {
	if learner == nil {
		learner = NewFieldLearner()
	}
	return d.Register(domain.ObservationFieldLearning, learner)
}
