package quality

import (
	"fmt"
	"time"
)

// DefaultTimestampFields are checked in order for the record's own time.
var DefaultTimestampFields = []string{"timestamp", "regularMarketTime", "lastUpdated"}

// Range bounds a field's plausible magnitude.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Pair names two fields where High must not be below Low.
type Pair struct {
	High string `yaml:"high" json:"high"`
	Low  string `yaml:"low" json:"low"`
}

// Bound requires Field to lie within [Low, High] of the same record.
type Bound struct {
	Field string `yaml:"field" json:"field"`
	Low   string `yaml:"low" json:"low"`
	High  string `yaml:"high" json:"high"`
}

// Rules configures staleness and anomaly detection.
type Rules struct {
	TTL             time.Duration
	TimestampFields []string
	NonNegative     []string
	Ranges          map[string]Range
	Pairs           []Pair
	Bounds          []Bound
}

// DefaultRules target market quote field names.
func DefaultRules(ttl time.Duration) Rules {
	return Rules{
		TTL:             ttl,
		TimestampFields: DefaultTimestampFields,
		NonNegative: []string{
			"regularMarketPrice",
			"regularMarketVolume",
			"regularMarketDayHigh",
			"regularMarketDayLow",
			"regularMarketOpen",
			"regularMarketPreviousClose",
			"marketCap",
			"bid",
			"ask",
			"fiftyTwoWeekHigh",
			"fiftyTwoWeekLow",
		},
		Ranges: map[string]Range{
			"regularMarketChangePercent": {Min: -100, Max: 1000},
			"regularMarketPrice":         {Min: 0, Max: 1e7},
		},
		Pairs: []Pair{
			{High: "regularMarketDayHigh", Low: "regularMarketDayLow"},
			{High: "fiftyTwoWeekHigh", Low: "fiftyTwoWeekLow"},
			{High: "ask", Low: "bid"},
		},
		Bounds: []Bound{
			{Field: "regularMarketPrice", Low: "regularMarketDayLow", High: "regularMarketDayHigh"},
		},
	}
}

// DefaultQuoteFields is the expected field set of a market quote.
func DefaultQuoteFields() FieldSet {
	return FieldSet{
		Critical:  []string{"symbol", "regularMarketPrice"},
		Important: []string{"regularMarketTime", "regularMarketChangePercent", "regularMarketVolume", "currency"},
		Standard:  []string{"regularMarketDayHigh", "regularMarketDayLow", "marketCap", "shortName"},
	}
}

func (r Rules) anomalies(record map[string]any) []string {
	var out []string

	for _, f := range r.NonNegative {
		if v, ok := number(record[f]); ok && v < 0 {
			out = append(out, fmt.Sprintf("Negative value for %s: %g", f, v))
		}
	}

	for _, f := range sortedKeys(r.Ranges) {
		rg := r.Ranges[f]
		if v, ok := number(record[f]); ok && (v < rg.Min || v > rg.Max) {
			out = append(out, fmt.Sprintf("Out-of-range value for %s: %g, expected %g..%g", f, v, rg.Min, rg.Max))
		}
	}

	for _, p := range r.Pairs {
		hi, okH := number(record[p.High])
		lo, okL := number(record[p.Low])
		if okH && okL && hi < lo {
			out = append(out, fmt.Sprintf("Inconsistent values: %s (%g) is below %s (%g)", p.High, hi, p.Low, lo))
		}
	}

	for _, b := range r.Bounds {
		v, ok := number(record[b.Field])
		lo, okL := number(record[b.Low])
		hi, okH := number(record[b.High])
		if !ok || !okL || !okH || hi < lo {
			continue
		}
		if v < lo || v > hi {
			out = append(out, fmt.Sprintf("%s (%g) is outside %s..%s (%g..%g)", b.Field, v, b.Low, b.High, lo, hi))
		}
	}
	return out
}
