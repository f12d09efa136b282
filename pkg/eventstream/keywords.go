// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventstream

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_]{1,}`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "with": true,
	"this": true, "that": true, "it": true, "as": true, "by": true, "at": true,
	"from": true, "we": true, "you": true, "your": true, "i": true, "its": true,
}

// ExtractKeywords ranks single words and bigrams in text by a standalone
// (single-document) term-frequency score and returns the top n. There is
// no corpus to compute inverse document frequency against here, so no IDF
// term is computed; stopwords are skipped outright, as are single words
// shorter than three letters.
func ExtractKeywords(text string, n int) []string {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	scores := make(map[string]float64)

	unigramCounts := make(map[string]int)
	for _, tok := range tokens {
		unigramCounts[tok]++
	}
	total := float64(len(tokens))
	for tok, count := range unigramCounts {
		if stopwords[tok] || len(tok) < 3 {
			continue
		}
		tf := float64(count) / total
		// Boost repeated terms further by a log factor of their count, so
		// the score grows faster than the raw frequency.
		scores[tok] = tf * (1 + math.Log(1+float64(count)))
	}

	bigramCounts := make(map[string]int)
	for i := 0; i+1 < len(tokens); i++ {
		a, b := tokens[i], tokens[i+1]
		if stopwords[a] || stopwords[b] {
			continue
		}
		bigramCounts[a+" "+b]++
	}
	for bg, count := range bigramCounts {
		tf := float64(count) / total
		scores[bg] = tf * (1.5 + math.Log(1+float64(count)))
	}

	type scored struct {
		term  string
		score float64
	}
	ranked := make([]scored, 0, len(scores))
	for term, score := range scores {
		ranked = append(ranked, scored{term, score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].term < ranked[j].term
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].term
	}
	return out
}

func tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	return matches
}
