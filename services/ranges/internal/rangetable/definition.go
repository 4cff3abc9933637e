package rangetable

// Columns names the header cells an import file must carry.
type Columns struct {
	Min   string
	Max   string
	Value string
}

// Definition describes one range table: its storage name, the JSON field that
// carries the value, its import header and how it is exposed over HTTP.
type Definition struct {
	Name          string
	Table         string
	ValueField    string
	Label         string
	Columns       Columns
	RoutePrefix   string
	LookupPath    string
	LookupMessage string
	// BareLookup makes the lookup route answer with the value alone instead
	// of the whole record.
	BareLookup bool
}

var FeeRanges = Definition{
	Name:          "fee",
	Table:         "withdrawal_fee_ranges",
	ValueField:    "fee",
	Label:         "Withdrawal fee range",
	Columns:       Columns{Min: "minAmount", Max: "maxAmount", Value: "fee"},
	RoutePrefix:   "/api/fees/ranges",
	LookupPath:    "calculate",
	LookupMessage: "Withdrawal fee calculated.",
}

var RateRanges = Definition{
	Name:          "rate",
	Table:         "withdrawal_rate_ranges",
	ValueField:    "rate",
	Label:         "Withdrawal rate range",
	Columns:       Columns{Min: "minimum", Max: "maximum", Value: "rate"},
	RoutePrefix:   "/api/rates/ranges",
	LookupPath:    "getrate",
	LookupMessage: "Withdrawal calculation rate fetched.",
	BareLookup:    true,
}

func Definitions() []Definition {
	return []Definition{FeeRanges, RateRanges}
}
