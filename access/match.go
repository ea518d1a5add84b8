// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"math"

	"github.com/turnstile-access/turnstile/credential"
)

// Match is the best face candidate for a probe.
type Match struct {
	BioID      string
	PersonName string
	Score      float64
}

// MatchFace returns the candidate with the highest cosine similarity
// to probe, provided it reaches threshold. Equal scores keep the
// earlier candidate. Candidates whose length differs from the probe,
// or with zero magnitude, are ignored.
func MatchFace(probe []float32, candidates []credential.FaceCandidate, threshold float64) (Match, bool) {
	var best Match
	found := false
	for _, candidate := range candidates {
		score, ok := CosineSimilarity(probe, candidate.Vector)
		if !ok || score < threshold {
			continue
		}
		if !found || score > best.Score {
			best = Match{BioID: candidate.BioID, PersonName: candidate.PersonName, Score: score}
			found = true
		}
	}
	return best, found
}

// CosineSimilarity returns a·b / (|a| |b|). ok is false when the
// vectors differ in length or either has zero magnitude.
func CosineSimilarity(a, b []float32) (score float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
