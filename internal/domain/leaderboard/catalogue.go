package leaderboard

// DefaultCatalogue is the built-in list used when no catalogue is configured.
func DefaultCatalogue() []Definition {
	return []Definition{
		{
			Slug: "experience", Title: "Skyblock Experience", Scope: ScopeMember,
			Intervals: []Interval{Current, Weekly, Monthly}, Kind: KindInt, Delta: true,
		},
		{
			Slug: "farming-weight", Title: "Farming Weight", Scope: ScopeMember,
			Intervals: []Interval{Current, Monthly}, Kind: KindDecimal, MinimumScore: 100,
		},
		{
			Slug: "collection-wheat", Title: "Wheat Collection", Scope: ScopeMember,
			Intervals: []Interval{Current, Weekly, Monthly}, Kind: KindInt, Delta: true,
		},
		{
			Slug: "island-level", Title: "Island Level", Scope: ScopeProfile,
			Intervals: []Interval{Current}, Kind: KindInt, MinimumScore: 1,
		},
		{
			Slug: "pests-killed", Title: "Pests Killed", Scope: ScopeMember,
			Intervals: []Interval{Current, Weekly}, Kind: KindInt, Delta: true,
		},
	}
}
