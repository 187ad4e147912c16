package authority

import "testing"

func TestIsTagAdminOrHigher(t *testing.T) {
	cases := []struct {
		name  string
		rank  Rank
		allow bool
	}{
		{name: "member below threshold", rank: RankMember, allow: false},
		{name: "tag-admin at threshold", rank: RankTagAdmin, allow: true},
		{name: "admin above threshold", rank: RankAdmin, allow: true},
		{name: "site-admin above threshold", rank: RankSiteAdmin, allow: true},
		{name: "unknown rank denied", rank: Rank("moderator"), allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTagAdminOrHigher(tc.rank); got != tc.allow {
				t.Fatalf("IsTagAdminOrHigher(%q) = %v, want %v", tc.rank, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("admin"); got != RankAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	if got := Normalize("superuser"); got != RankMember {
		t.Fatalf("Normalize(superuser) = %q, want member", got)
	}
	if got := Normalize(""); got != RankMember {
		t.Fatalf("Normalize(empty) = %q, want member", got)
	}
}
