package segmentation

import (
	"math"
	"time"
)

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// gapScore computes G_t = sigmoid(log(Δt/τ_t)) (spec §4.8). Δt and τ_t
// are both in seconds. A Δt of exactly τ_t yields log(1)=0, sigmoid=0.5.
func gapScore(elapsed, tauT time.Duration) float64 {
	if elapsed <= 0 || tauT <= 0 {
		return 0
	}
	ratio := float64(elapsed) / float64(tauT)
	return sigmoid(math.Log(ratio))
}

// noveltyScore computes S_t = 1 - cosine(e_t, mean(window)). When
// embeddings are unavailable for either side, it falls back to a
// token-set Jaccard distance (spec §4.8, §6.4 Embedder fallback).
func noveltyScore(current EventSignal, window []EventSignal) float64 {
	if len(window) == 0 {
		return 1 // nothing to compare against: maximally novel
	}
	if current.Embedding != nil && windowHasEmbeddings(window) {
		mean := meanEmbedding(window, len(current.Embedding))
		return 1 - cosineSimilarity(current.Embedding, mean)
	}
	return jaccardDistance(current.Tokens, unionTokens(window))
}

func windowHasEmbeddings(window []EventSignal) bool {
	for _, s := range window {
		if s.Embedding == nil {
			return false
		}
	}
	return len(window) > 0
}

func meanEmbedding(window []EventSignal, dims int) []float64 {
	mean := make([]float64, dims)
	for _, s := range window {
		for i := 0; i < dims && i < len(s.Embedding); i++ {
			mean[i] += s.Embedding[i]
		}
	}
	n := float64(len(window))
	for i := range mean {
		mean[i] /= n
	}
	return mean
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func unionTokens(window []EventSignal) map[string]bool {
	union := make(map[string]bool)
	for _, s := range window {
		for tok := range s.Tokens {
			union[tok] = true
		}
	}
	return union
}

func jaccardDistance(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	similarity := float64(intersection) / float64(union)
	return 1 - similarity
}

// affectScore computes A_t = (|v_t-v_{t-1}| + |a_t-a_{t-1}|) / 2.
func affectScore(current, previous Affect) float64 {
	return (math.Abs(current.Valence-previous.Valence) + math.Abs(current.Arousal-previous.Arousal)) / 2
}

// goalChangeScore computes H_t: 1 if the sticky goal label changed.
func goalChangeScore(current, previous string) float64 {
	if previous == "" {
		return 0
	}
	if current != previous {
		return 1
	}
	return 0
}

// microSessionIndicator is 1 when elapsed is short enough to be part
// of the same rapid back-and-forth exchange, discounting the boundary
// score so quick follow-ups don't fragment a segment (spec §4.8
// η·micro_session(t) term).
func microSessionIndicator(elapsed, threshold time.Duration) float64 {
	if elapsed <= threshold {
		return 1
	}
	return 0
}

// boundaryScore combines the four signal terms into B_t (spec §4.8).
func boundaryScore(w Weights, g, s, a, h, micro float64) float64 {
	return sigmoid(w.Alpha*g + w.Beta*s + w.Gamma*a + w.Delta*h - w.Eta*micro)
}
