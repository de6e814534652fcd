package experiment

import (
	"fmt"
	"math"

	"promptlab/internal/db"
)

// Scoring constants. The heuristic is deliberately simple: success
// rate dominates (scaled by a thousand) and average duration breaks
// ties among equally successful versions. It is not a statistical
// hypothesis test and makes no variance or confidence-interval claims.
const (
	// successWeight scales success rate so it dominates duration.
	successWeight = 1000.0

	// winnerThreshold is the minimum relative score improvement
	// required to recommend a winner.
	winnerThreshold = 0.05

	// confidenceSamples is the combined sample count at which
	// confidence saturates.
	confidenceSamples = 200.0

	// maxConfidence caps confidence below certainty; sample count
	// alone can never prove a difference.
	maxConfidence = 0.95
)

// VersionStats is the per-version summary derived from the ledger.
type VersionStats struct {
	Version     int     `json:"version"`
	Requests    int64   `json:"requests"`
	SuccessRate float64 `json:"success_rate"`
	AvgDuration float64 `json:"avg_duration"`
	TotalCost   float64 `json:"total_cost"`
}

// Statistics is the full analysis output: raw per-version aggregates
// plus the recommendation, so callers see inputs as well as the
// conclusion.
type Statistics struct {
	TestID     string `json:"test_id"`
	PromptName string `json:"prompt_name"`

	VersionA VersionStats `json:"version_a"`
	VersionB VersionStats `json:"version_b"`

	Recommendation string `json:"recommendation"`

	// Winner is nil unless one version cleared the improvement
	// threshold.
	Winner *int `json:"winner,omitempty"`

	// Confidence grows linearly with combined samples and caps at
	// maxConfidence once confidenceSamples have accumulated.
	Confidence float64 `json:"confidence"`

	// Improvement is the relative score gap of the better version,
	// as a fraction (0.05 == 5%).
	Improvement float64 `json:"improvement"`
}

func versionStats(version int, agg db.VersionAggregate) VersionStats {
	vs := VersionStats{Version: version, Requests: agg.Requests, TotalCost: agg.TotalCost}
	if agg.Requests > 0 {
		vs.SuccessRate = float64(agg.SuccessCount) / float64(agg.Requests)
		vs.AvgDuration = agg.TotalDuration / float64(agg.Requests)
	}
	return vs
}

func score(vs VersionStats) float64 {
	return vs.SuccessRate*successWeight - vs.AvgDuration
}

func computeStatistics(exp *db.Experiment, aggs map[int]db.VersionAggregate) *Statistics {
	statsA := versionStats(exp.VersionA, aggs[exp.VersionA])
	statsB := versionStats(exp.VersionB, aggs[exp.VersionB])

	out := &Statistics{
		TestID:     exp.TestID,
		PromptName: exp.PromptName,
		VersionA:   statsA,
		VersionB:   statsB,
		Confidence: math.Min(maxConfidence, float64(statsA.Requests+statsB.Requests)/confidenceSamples),
	}

	if statsA.Requests == 0 || statsB.Requests == 0 {
		out.Recommendation = "insufficient data: both versions need recorded results"
		return out
	}

	scoreA := score(statsA)
	scoreB := score(statsB)

	better, other := statsA, statsB
	scoreBetter, scoreOther := scoreA, scoreB
	if scoreB > scoreA {
		better, other = statsB, statsA
		scoreBetter, scoreOther = scoreB, scoreA
	}

	// Relative improvement of the better version over the other.
	// A zero baseline score cannot be divided by; any positive score
	// against it counts as a full improvement.
	switch {
	case scoreOther != 0:
		out.Improvement = (scoreBetter - scoreOther) / math.Abs(scoreOther)
	case scoreBetter > 0:
		out.Improvement = 1
	}

	if out.Improvement >= winnerThreshold {
		winner := better.Version
		out.Winner = &winner
		out.Recommendation = fmt.Sprintf("version %d is better (%.1f%% improvement over version %d)",
			better.Version, out.Improvement*100, other.Version)
		return out
	}

	out.Recommendation = "no significant difference: continue the test or end it as inconclusive"
	return out
}
