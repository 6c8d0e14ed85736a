package domain

import (
	"math"
	"sort"
)

// DefaultCostPerPlay applies when a funding row has no explicit cost.
const DefaultCostPerPlay int64 = 1

// RankInterests merges duplicate interests, drops NaN or negative totals and orders by
// weight descending, then interest id ascending.
func RankInterests(weights []InterestWeight) []InterestWeight {
	sums := make(map[int64]float64, len(weights))
	for _, w := range weights {
		sums[w.InterestID] += w.Weight
	}

	out := make([]InterestWeight, 0, len(sums))
	for id, w := range sums {
		if w < 0 || math.IsNaN(w) {
			continue
		}
		out = append(out, InterestWeight{InterestID: id, Weight: w})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].InterestID < out[j].InterestID
	})
	return out
}

// RankCandidates scores each funded video by its best matching interest and
// orders them best first. With an empty profile every video scores 0 and
// ordering falls back to video id.
func RankCandidates(ranked []InterestWeight, videos []FundedVideo) []Candidate {
	weight := make(map[int64]float64, len(ranked))
	for _, iw := range ranked {
		weight[iw.InterestID] = iw.Weight
	}

	out := make([]Candidate, 0, len(videos))
	for _, v := range videos {
		c := Candidate{FundedVideo: v}
		if len(ranked) > 0 {
			for _, id := range v.Video.Interests {
				w, ok := weight[id]
				if !ok {
					continue
				}
				if c.MatchedInterest == nil || w > c.Score || (w == c.Score && id < *c.MatchedInterest) {
					matched := id
					c.Score = w
					c.MatchedInterest = &matched
				}
			}
			if c.MatchedInterest == nil {
				continue
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Video.ID != out[j].Video.ID {
			return out[i].Video.ID < out[j].Video.ID
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// Presentable reports whether v fits on d. Zero dimensions are unconstrained.
func Presentable(v AdvertVideo, d Display) bool {
	if v.Width > 0 && d.Width > 0 && v.Width > d.Width {
		return false
	}
	if v.Height > 0 && d.Height > 0 && v.Height > d.Height {
		return false
	}
	return true
}

// CostOrDefault returns cost when positive, otherwise def (or DefaultCostPerPlay).
func CostOrDefault(cost, def int64) int64 {
	if cost > 0 {
		return cost
	}
	if def > 0 {
		return def
	}
	return DefaultCostPerPlay
}

// ValidObservation rejects negative, NaN and infinite weights.
func ValidObservation(o InterestObservation) bool {
	return o.Weight >= 0 && !math.IsInf(o.Weight, 0) && !math.IsNaN(o.Weight)
}
