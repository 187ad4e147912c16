// Package authority defines the ordered rank scale for catalog users.
package authority

type Rank string

const (
	RankMember    Rank = "member"
	RankTagAdmin  Rank = "tag-admin"
	RankAdmin     Rank = "admin"
	RankSiteAdmin Rank = "site-admin"
)

var rankLevel = map[Rank]int{
	RankMember:    0,
	RankTagAdmin:  1,
	RankAdmin:     2,
	RankSiteAdmin: 3,
}

// IsTagAdminOrHigher reports whether the rank clears the threshold required
// to resolve tag change requests.
func IsTagAdminOrHigher(rank Rank) bool {
	return rankLevel[rank] >= rankLevel[RankTagAdmin]
}

func Normalize(rank string) Rank {
	switch Rank(rank) {
	case RankMember, RankTagAdmin, RankAdmin, RankSiteAdmin:
		return Rank(rank)
	default:
		return RankMember
	}
}
