// Package tokenutil estimates prompt sizes without a model tokenizer.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate: 1.33 tokens per word,
// floored at len/4 for code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// WindowStart picks how much of a message history fits in budget tokens.
// counts holds per-message estimates; the first keep messages are always
// retained. It returns the index of the oldest message after the head that
// still fits, so the window is counts[:keep] + counts[start:]. The newest
// message is kept even when it alone exceeds the budget. budget <= 0 means
// unlimited.
func WindowStart(counts []int, keep, budget int) int {
	n := len(counts)
	if keep > n {
		keep = n
	}
	if budget <= 0 || keep == n {
		return keep
	}
	used := 0
	for i := 0; i < keep; i++ {
		used += counts[i]
	}
	start := n
	for i := n - 1; i >= keep; i-- {
		if used+counts[i] > budget && start < n {
			break
		}
		used += counts[i]
		start = i
	}
	return start
}
