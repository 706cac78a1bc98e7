package review

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
)

// RequiredSections are the top-level sections a reviewer's markdown
// must contain, in this relative order. Extra sections may appear
// between Ranking and Recommendation.
var RequiredSections = []string{
	"Specification",
	"Key Requirements",
	"Candidate Assessments",
	"Comparison",
	"Ranking",
	"Recommendation",
}

var (
	sectionHeading    = regexp.MustCompile(`(?m)^##\s+(.+?)\s*$`)
	assessmentHeading = regexp.MustCompile(`(?m)^###\s+(\S+)\s*$`)
	rankingItem       = regexp.MustCompile(`(?m)^\s*\d+\.\s+(\S+)`)
	preferredLine     = regexp.MustCompile(`(?mi)^\s*(?:\*\*)?Preferred Candidate(?:\*\*)?\s*:\s*(\S+)`)
)

// ValidateOutput enforces the reviewer output contract on the markdown
// verdict: required sections present and ordered, candidate assessments
// in lexicographic alias order covering every eligible candidate,
// a ranking listing each eligible candidate exactly once, and a
// recommendation agreeing with the ranking's first entry.
func ValidateOutput(markdown string, eligible []string) error {
	sections, bodies := splitSections(markdown)

	if err := checkSectionOrder(sections); err != nil {
		return err
	}
	if err := checkAssessments(bodies["Candidate Assessments"], eligible); err != nil {
		return err
	}
	ranked, err := checkRanking(bodies["Ranking"], eligible)
	if err != nil {
		return err
	}
	return checkRecommendation(bodies["Recommendation"], ranked)
}

// splitSections returns the top-level section titles in order of
// appearance plus each section's body text.
func splitSections(markdown string) ([]string, map[string]string) {
	matches := sectionHeading.FindAllStringSubmatchIndex(markdown, -1)

	var titles []string
	bodies := make(map[string]string, len(matches))
	for i, m := range matches {
		title := strings.TrimSpace(markdown[m[2]:m[3]])
		titles = append(titles, title)

		bodyStart := m[1]
		bodyEnd := len(markdown)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		bodies[title] = markdown[bodyStart:bodyEnd]
	}
	return titles, bodies
}

// checkSectionOrder verifies every required section appears, in the
// required relative order.
func checkSectionOrder(titles []string) error {
	position := make(map[string]int, len(titles))
	for i, title := range titles {
		if _, seen := position[title]; !seen {
			position[title] = i
		}
	}

	last := -1
	for _, required := range RequiredSections {
		at, ok := position[required]
		if !ok {
			return voratiqerrors.NewContractError(
				fmt.Sprintf("required section %q is missing", required),
				voratiqerrors.ErrMissingSection,
			).WithSection(required)
		}
		if at < last {
			return voratiqerrors.NewContractError(
				fmt.Sprintf("section %q appears out of order", required),
				voratiqerrors.ErrSectionOutOfOrder,
			).WithSection(required)
		}
		last = at
	}
	return nil
}

// checkAssessments verifies the Candidate Assessments section holds one
// block per eligible candidate, in lexicographic order.
func checkAssessments(body string, eligible []string) error {
	var found []string
	for _, m := range assessmentHeading.FindAllStringSubmatch(body, -1) {
		found = append(found, m[1])
	}

	want := append([]string(nil), eligible...)
	sort.Strings(want)

	if len(found) != len(want) {
		return voratiqerrors.NewContractError(
			fmt.Sprintf("candidate assessments cover %d candidates, want %d", len(found), len(want)),
			voratiqerrors.ErrMissingSection,
		).WithSection("Candidate Assessments")
	}
	for i, alias := range found {
		if alias != want[i] {
			return voratiqerrors.NewContractError(
				fmt.Sprintf("candidate assessments out of lexicographic order: got %s at position %d, want %s", alias, i+1, want[i]),
				voratiqerrors.ErrSectionOutOfOrder,
			).WithSection("Candidate Assessments")
		}
	}
	return nil
}

// checkRanking verifies the Ranking section lists every eligible
// candidate exactly once and returns them in ranked order.
func checkRanking(body string, eligible []string) ([]string, error) {
	var ranked []string
	for _, m := range rankingItem.FindAllStringSubmatch(body, -1) {
		ranked = append(ranked, m[1])
	}

	seen := make(map[string]int, len(ranked))
	for _, alias := range ranked {
		seen[alias]++
	}
	for _, alias := range eligible {
		switch seen[alias] {
		case 0:
			return nil, voratiqerrors.NewContractError(
				fmt.Sprintf("ranking omits candidate %s", alias),
				voratiqerrors.ErrRankingMismatch,
			).WithSection("Ranking")
		case 1:
		default:
			return nil, voratiqerrors.NewContractError(
				fmt.Sprintf("ranking lists candidate %s %d times", alias, seen[alias]),
				voratiqerrors.ErrRankingMismatch,
			).WithSection("Ranking")
		}
	}
	if len(ranked) != len(eligible) {
		return nil, voratiqerrors.NewContractError(
			fmt.Sprintf("ranking lists %d candidates, want %d", len(ranked), len(eligible)),
			voratiqerrors.ErrRankingMismatch,
		).WithSection("Ranking")
	}
	return ranked, nil
}

// checkRecommendation verifies the Preferred Candidate line names the
// ranking's first entry.
func checkRecommendation(body string, ranked []string) error {
	m := preferredLine.FindStringSubmatch(body)
	if m == nil {
		return voratiqerrors.NewContractError(
			"recommendation is missing a Preferred Candidate line",
			voratiqerrors.ErrMissingSection,
		).WithSection("Recommendation")
	}
	if len(ranked) > 0 && m[1] != ranked[0] {
		return voratiqerrors.NewContractError(
			fmt.Sprintf("preferred candidate %s does not match ranking #1 %s", m[1], ranked[0]),
			voratiqerrors.ErrRankingMismatch,
		).WithSection("Recommendation")
	}
	return nil
}
