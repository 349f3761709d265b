/*
milestones.go - Milestone table and badge recomputation

PURPOSE:
  Badges are DERIVED from points. A user's badge list must always be the
  exact image of their points under this table, in table order. Nothing
  ever adds or removes a single badge: the whole list is recomputed.

INVARIANT:
  Badges(p) == [m.Name for m in Milestones if p >= m.Threshold]

  Recomputation is idempotent: Badges(p) computed twice is the same list,
  so a drifted stored list is healed by overwriting it.

LEGACY DATA:
  Older records can carry placeholder entries ("TEMP") or badges that were
  retired from the table ("Level 5 Citizen"). CleanBadges strips them before
  comparisons so they never look like a real badge.
*/
package rewards

import "strings"

// Milestone maps a cumulative point threshold to a badge name.
type Milestone struct {
	Threshold int    `json:"threshold" yaml:"threshold"`
	Name      string `json:"name" yaml:"name"`
}

var milestones = []Milestone{
	{Threshold: 10, Name: "First Step"},
	{Threshold: 30, Name: "Level 1 Citizen"},
	{Threshold: 50, Name: "Level 2 Citizen"},
	{Threshold: 70, Name: "Level 3 Citizen"},
	{Threshold: 85, Name: "Level 4 Citizen"},

	{Threshold: 100, Name: "Century Achiever"},
	{Threshold: 150, Name: "Rising Star"},
	{Threshold: 200, Name: "Double Century Hero"},
	{Threshold: 250, Name: "Elite Citizen"},
	{Threshold: 300, Name: "Triple Century Legend"},
	{Threshold: 350, Name: "Civic Champion"},
	{Threshold: 400, Name: "Metro Master"},
	{Threshold: 500, Name: "Golden Citizen"},
}

// retiredBadges are names that may still sit in stored records but are not
// part of the table.
var retiredBadges = map[string]bool{
	"Level 5 Citizen": true,
}

// Milestones returns a copy of the ordered milestone table.
func Milestones() []Milestone {
	out := make([]Milestone, len(milestones))
	copy(out, milestones)
	return out
}

// Badges returns the badge names earned at the given point total.
// The result is never nil so it serializes as an empty list.
func Badges(points int) []string {
	out := make([]string, 0, len(milestones))
	for _, m := range milestones {
		if points >= m.Threshold {
			out = append(out, m.Name)
		}
	}
	return out
}

// NextMilestone returns the first milestone above points, if any.
func NextMilestone(points int) (Milestone, bool) {
	for _, m := range milestones {
		if points < m.Threshold {
			return m, true
		}
	}
	return Milestone{}, false
}

// CleanBadges trims stored badge names and drops empty, placeholder and
// retired entries.
func CleanBadges(stored []string) []string {
	out := make([]string, 0, len(stored))
	for _, b := range stored {
		b = strings.TrimSpace(b)
		if b == "" || strings.EqualFold(b, "TEMP") || retiredBadges[b] {
			continue
		}
		out = append(out, b)
	}
	return out
}

// SameBadges reports whether two badge lists are identical, order included.
func SameBadges(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ReachedMilestones is floor(points / MilestoneStep).
func ReachedMilestones(points int) int {
	if points <= 0 {
		return 0
	}
	return points / MilestoneStep
}
