package main

import "github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"

// testRanges leaves a gap between 300 and 500 so unmatched lookups can be
// exercised against seeded data.
var testRanges = map[string][]seedRange{
	rangetable.FeeRanges.Table: {
		{"0", "100", "1.5"},
		{"100.01", "200", "2"},
		{"200.01", "300", "2.5"},
		{"500", "1000", "4"},
	},
	rangetable.RateRanges.Table: {
		{"0", "100", "0.05"},
		{"100.01", "1000", "0.03"},
		{"500000", "1000000", "0.001"},
	},
}
