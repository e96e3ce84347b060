package rank

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/pose"
)

// Match is the outcome of one query
type Match struct {
	Query      string
	Prediction string
	// PredictedID is the numeric identity of Prediction, empty when unparsable
	PredictedID string
	Pose        neuralvps.Pose
	Distance    float32
	Neighbors   neuralvps.SearchResult
	// Matched is set when the query stem occurs in the predicted file name
	Matched bool
	// IdentityMatched is set when query and prediction parse to the same id
	IdentityMatched bool
}

// Evaluation aggregates the matches of every query of a dataset
type Evaluation struct {
	Matches            []Match
	NumDB              int
	NumMatched         int
	NumIdentityMatched int
	Accuracy           float64
	IdentityAccuracy   float64
	// Sentinel holds the top-K identities of the sentinel query, if present
	Sentinel *neuralvps.MatchResult
	// Recall maps N to recall@N when ground-truth positives are available
	Recall map[int]float64
}

// Matcher resolves nearest database rows to identities and poses
type Matcher struct {
	Poses    pose.Lookup
	Sentinel string
}

// NewMatcher creates a matcher; poses may be nil when no pose file is configured
func NewMatcher(poses pose.Lookup, sentinel string) *Matcher {
	return &Matcher{Poses: poses, Sentinel: sentinel}
}

// Match scores the neighbors of every query. results[i] belongs to query i.
func (m *Matcher) Match(ds *neuralvps.DatasetStruct, results []neuralvps.SearchResult) (*Evaluation, error) {
	if ds.NumQ == 0 {
		return nil, neuralvps.ErrNoQueries
	}
	if len(results) != ds.NumQ {
		return nil, fmt.Errorf("got %d search results for %d queries", len(results), ds.NumQ)
	}

	eval := &Evaluation{
		Matches: make([]Match, ds.NumQ),
		NumDB:   ds.NumDB,
	}

	for q, neighbors := range results {
		if len(neighbors) == 0 {
			return nil, fmt.Errorf("query %d has no neighbors", q)
		}
		top := neighbors[0]
		if top.Index < 0 || top.Index >= len(ds.DBImages) {
			return nil, fmt.Errorf("query %d: neighbor %d out of range", q, top.Index)
		}

		match := Match{
			Query:      ds.QImages[q],
			Prediction: ds.DBImages[top.Index],
			Pose:       neuralvps.NoPose,
			Distance:   top.Distance,
			Neighbors:  neighbors,
		}

		if id, err := pose.ParseIdentity(match.Prediction); err == nil {
			match.PredictedID = id.ID
			match.Pose = m.lookup(id.ID)
			if qid, err := pose.ParseIdentity(match.Query); err == nil && qid.ID == id.ID {
				match.IdentityMatched = true
				eval.NumIdentityMatched++
			}
		}

		if qs := stem(match.Query); qs != "" && strings.Contains(filepath.Base(match.Prediction), qs) {
			match.Matched = true
			eval.NumMatched++
		}

		if eval.Sentinel == nil && m.Sentinel != "" && filepath.Base(match.Query) == m.Sentinel {
			eval.Sentinel = ResultOf(ds, neighbors)
		}

		eval.Matches[q] = match
	}

	eval.Accuracy = float64(eval.NumMatched) / float64(ds.NumQ)
	eval.IdentityAccuracy = float64(eval.NumIdentityMatched) / float64(ds.NumQ)
	return eval, nil
}

func (m *Matcher) lookup(id string) neuralvps.Pose {
	if m.Poses == nil {
		return neuralvps.NoPose
	}
	p, ok := m.Poses.Lookup(id)
	if !ok {
		return neuralvps.NoPose
	}
	return p
}

// ResultOf lists the identities and distances of neighbors
func ResultOf(ds *neuralvps.DatasetStruct, neighbors neuralvps.SearchResult) *neuralvps.MatchResult {
	paths := make([]string, len(neighbors))
	confidences := make([]float32, len(neighbors))
	for i, n := range neighbors {
		paths[i] = ds.DBImages[n.Index]
		confidences[i] = n.Distance
	}
	return &neuralvps.MatchResult{IDs: pose.FilenamesToIDs(paths), Confidences: confidences}
}

// stem returns the base name without its extension
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RecallAtN returns, for every n in ns, the fraction of queries with at least
// one positive among their first n neighbors. positives[i] lists the database
// rows that are true matches of query i.
func RecallAtN(results []neuralvps.SearchResult, positives [][]int, ns []int) (map[int]float64, error) {
	if len(results) == 0 {
		return nil, neuralvps.ErrNoQueries
	}
	if len(positives) != len(results) {
		return nil, fmt.Errorf("got positives for %d queries, want %d", len(positives), len(results))
	}

	sorted := append([]int(nil), ns...)
	sort.Ints(sorted)
	if len(sorted) > 0 && sorted[0] <= 0 {
		return nil, fmt.Errorf("recall@%d: n must be positive", sorted[0])
	}

	correct := make([]int, len(sorted))
	for q, neighbors := range results {
		truth := make(map[int]struct{}, len(positives[q]))
		for _, p := range positives[q] {
			truth[p] = struct{}{}
		}

		// a hit within n counts for every larger n as well
		for i, n := range sorted {
			if hitWithin(neighbors, truth, n) {
				for j := i; j < len(sorted); j++ {
					correct[j]++
				}
				break
			}
		}
	}

	recall := make(map[int]float64, len(sorted))
	for i, n := range sorted {
		recall[n] = float64(correct[i]) / float64(len(results))
	}
	return recall, nil
}

func hitWithin(neighbors neuralvps.SearchResult, truth map[int]struct{}, n int) bool {
	if n > len(neighbors) {
		n = len(neighbors)
	}
	for _, nb := range neighbors[:n] {
		if _, ok := truth[nb.Index]; ok {
			return true
		}
	}
	return false
}
