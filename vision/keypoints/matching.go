package keypoints

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Match pairs the keypoint at Idx1 in a first frame with the one at Idx2 in a second frame.
type Match struct {
	Idx1 int `json:"idx1" yaml:"idx1"`
	Idx2 int `json:"idx2" yaml:"idx2"`
}

// MatchesFromPairs converts [i, j] pairs into matches.
func MatchesFromPairs(pairs [][2]int) []Match {
	return lo.Map(pairs, func(p [2]int, _ int) Match { return Match{Idx1: p[0], Idx2: p[1]} })
}

// ValidateMatches checks that every match indexes into keypoint sets of sizes n1 and n2.
func ValidateMatches(matches []Match, n1, n2 int) error {
	for i, m := range matches {
		if m.Idx1 < 0 || m.Idx1 >= n1 {
			return errors.Errorf("match %d: first index %d out of range [0, %d)", i, m.Idx1, n1)
		}
		if m.Idx2 < 0 || m.Idx2 >= n2 {
			return errors.Errorf("match %d: second index %d out of range [0, %d)", i, m.Idx2, n2)
		}
	}
	return nil
}

// GetMatchingKeyPoints takes the matches and the keypoints and returns the corresponding keypoints that are matched,
// in match order.
func GetMatchingKeyPoints(matches []Match, kps1, kps2 KeyPoints) (KeyPoints, KeyPoints, error) {
	if err := ValidateMatches(matches, len(kps1), len(kps2)); err != nil {
		return nil, nil, err
	}
	matchedKps1 := lo.Map(matches, func(m Match, _ int) r2.Point { return kps1[m.Idx1] })
	matchedKps2 := lo.Map(matches, func(m Match, _ int) r2.Point { return kps2[m.Idx2] })
	return matchedKps1, matchedKps2, nil
}
