// Package rating is the aggregation core: it folds raw vote records into
// per-criterion and overall averages, and reconciles criteria lists whose
// length changed after votes were already recorded.
package rating

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jamesarrow/Song-rating/internal/domain"
)

// Averages is the aggregate of one song's current vote set against a target
// criterion count K.
type Averages struct {
	// PerCriterion has exactly K entries. An entry is the mean of all
	// present scores at that position, or zero when no vote covers it.
	PerCriterion []decimal.Decimal

	// Overall is the mean of PerCriterion taken only over positions with at
	// least one contributing vote. Positions nobody rated are excluded, not
	// averaged in as zero. Zero when no position has a contributor.
	Overall decimal.Decimal

	// VoteCount is the number of vote records considered, regardless of how
	// many positions each populates.
	VoteCount int
}

// Compute aggregates votes against criteriaCount criteria.
//
// It is a full re-scan on every call: the vote set is bounded by the room's
// participant count, so there is nothing to gain from incremental updates.
// A vote vector shorter than K contributes only to the positions it has; a
// longer one is cut at K. A 0 entry is an absent position. Any present score
// outside [1,10] is clamped before inclusion.
func Compute(votes []domain.Vote, criteriaCount int) Averages {
	k := criteriaCount
	if k < 1 {
		k = 1
	}

	sums := make([]int64, k)
	counts := make([]int64, k)
	for _, v := range votes {
		for i := 0; i < k && i < len(v.Scores); i++ {
			if v.Scores[i] == 0 {
				continue
			}
			sums[i] += int64(domain.ClampScore(v.Scores[i]))
			counts[i]++
		}
	}

	per := make([]decimal.Decimal, k)
	sum := decimal.Zero
	contributing := 0
	for i := 0; i < k; i++ {
		if counts[i] == 0 {
			continue
		}
		per[i] = decimal.NewFromInt(sums[i]).Div(decimal.NewFromInt(counts[i]))
		sum = sum.Add(per[i])
		contributing++
	}

	overall := decimal.Zero
	if contributing > 0 {
		overall = sum.Div(decimal.NewFromInt(int64(contributing)))
	}

	return Averages{
		PerCriterion: per,
		Overall:      overall,
		VoteCount:    len(votes),
	}
}

// NormalizeCriteria reconciles a criteria list read from the store. A
// missing or empty list falls back to the default set; an overlong one is
// cut at the maximum. Stored vote vectors are never resized to match: the
// absent-position rule in Compute keeps old votes consistent with whatever
// length comes back here.
func NormalizeCriteria(labels []string) []string {
	if len(labels) == 0 {
		out := make([]string, len(domain.DefaultCriteria))
		copy(out, domain.DefaultCriteria)
		return out
	}
	if len(labels) > domain.MaxCriteria {
		labels = labels[:domain.MaxCriteria]
	}
	out := make([]string, len(labels))
	copy(out, labels)
	return out
}

// SanitizeCriteriaDraft cleans an edited criteria list before it is written:
// entries are trimmed, blanks dropped, and the result capped at the maximum.
// A draft that cleans down to nothing becomes a single fallback criterion.
func SanitizeCriteriaDraft(draft []string) []string {
	cleaned := make([]string, 0, len(draft))
	for _, s := range draft {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		cleaned = append(cleaned, s)
		if len(cleaned) == domain.MaxCriteria {
			break
		}
	}
	if len(cleaned) == 0 {
		return []string{domain.FallbackCriterion}
	}
	return cleaned
}

// ClampVector clamps every entry of a submitted score vector to [1,10] and
// cuts it at criteriaCount. A 0 in the input is a real slider value and
// clamps to 1; absence only ever arises from historical votes recorded under
// a shorter criteria list.
func ClampVector(scores []int, criteriaCount int) []int {
	k := criteriaCount
	if k < 1 {
		k = 1
	}
	if len(scores) < k {
		k = len(scores)
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = domain.ClampScore(scores[i])
	}
	return out
}
