package corpus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nightjarhq/nightjar/internal/vector"
)

type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

// ParseMetric maps a configuration string to a similarity metric. The empty
// string selects cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricDot:
		return MetricDot, nil
	default:
		return "", fmt.Errorf("parse metric: unsupported metric: %s", s)
	}
}

type Hit struct {
	MessageID int64
	Score     float64
}

// Rank scores candidates against query and returns at most topK hits,
// sorted by descending score with ties broken by ascending message id.
// Candidates are all stored records, or only those in subset when subset is
// non-nil. An empty store, an empty subset, or topK <= 0 yields an empty
// result, never an error; records whose similarity cannot be computed are
// skipped.
func (s *Store) Rank(query []float32, topK int, subset map[int64]struct{}, metric Metric) []Hit {
	if topK <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]Hit, 0, len(s.order))
	score := func(id int64, row int) {
		sim, err := similarity(metric, query, s.matrix[row])
		if err != nil {
			return
		}
		hits = append(hits, Hit{MessageID: id, Score: sim})
	}

	if subset == nil {
		for row, id := range s.order {
			score(id, row)
		}
	} else {
		for id := range subset {
			if row, ok := s.rows[id]; ok {
				score(id, row)
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].MessageID < hits[j].MessageID
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func similarity(metric Metric, query, candidate []float32) (float64, error) {
	switch metric {
	case MetricDot:
		return vector.Dot(query, candidate)
	default:
		return vector.Cosine(query, candidate)
	}
}
