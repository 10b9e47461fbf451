// Package quality grades fetched records.
//
// This package contains:
//   - weighted completeness scoring over critical/important/standard fields
//   - data age from the record's own timestamp, staleness against a TTL
//   - anomaly warnings (negative, out-of-range, high below low, out of bounds)
//   - reliability grading and a deterministic recommendation
//
// The completeness score is always in [0,1]. Report.CompletenessPercent
// converts it for display.
package quality

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Reliability is the coarse source grade of one report.
type Reliability string

const (
	ReliabilityHigh   Reliability = "high"
	ReliabilityMedium Reliability = "medium"
	ReliabilityLow    Reliability = "low"
)

const (
	weightCritical  = 2.0
	weightImportant = 1.5
	weightStandard  = 1.0
)

// FieldSet buckets the expected fields of a record by weight.
type FieldSet struct {
	Critical  []string `yaml:"critical" json:"critical"`
	Important []string `yaml:"important" json:"important"`
	Standard  []string `yaml:"standard" json:"standard"`
}

// Empty reports whether no field is expected.
func (f FieldSet) Empty() bool {
	return len(f.Critical)+len(f.Important)+len(f.Standard) == 0
}

type weighted struct {
	name   string
	weight float64
}

// fields lists expected fields once each, keeping the heaviest bucket.
func (f FieldSet) fields() []weighted {
	seen := make(map[string]bool)
	var out []weighted
	add := func(names []string, w float64) {
		for _, n := range names {
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, weighted{n, w})
		}
	}
	add(f.Critical, weightCritical)
	add(f.Important, weightImportant)
	add(f.Standard, weightStandard)
	return out
}

// Recommendations, in priority order.
const (
	RecommendRefresh     = "Data is stale and incomplete; refresh immediately."
	RecommendFallback    = "Too many fields are missing; use a fallback source."
	RecommendUnsuitable  = "Critical fields are missing; unsuitable for production use."
	RecommendSafe        = "Data quality is good; safe to use."
	RecommendWithCaution = "Data quality is degraded; use with caution."
)

// Report is the quality judgment of one successful fetch.
type Report struct {
	CompletenessScore float64       `json:"completeness_score"`
	StaleData         bool          `json:"stale_data"`
	DataAge           time.Duration `json:"data_age"`
	SourceReliability Reliability   `json:"source_reliability"`
	MissingFields     []string      `json:"missing_fields"`
	Warnings          []string      `json:"warnings"`
	Recommendation    string        `json:"recommendation"`
	GeneratedAt       time.Time     `json:"generated_at"`
}

// CompletenessPercent returns the score in 0–100.
func (r Report) CompletenessPercent() float64 {
	return math.Round(r.CompletenessScore*10000) / 100
}

// Reporter produces quality reports under a rule set.
type Reporter struct {
	rules Rules
	now   func() time.Time
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock overrides the time source used for data age.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

func New(rules Rules, opts ...Option) *Reporter {
	if len(rules.TimestampFields) == 0 {
		rules.TimestampFields = DefaultTimestampFields
	}
	r := &Reporter{rules: rules, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rules returns the reporter's rule set.
func (r *Reporter) Rules() Rules { return r.rules }

// CalculateCompleteness returns the weighted share of expected fields present
// in record. With no expected fields, every key of the record counts as a
// standard field.
func (r *Reporter) CalculateCompleteness(record map[string]any, fields FieldSet) float64 {
	expected := fields.fields()
	if len(expected) == 0 {
		if len(record) == 0 {
			return 0
		}
		present := 0
		for _, v := range record {
			if !isMissing(v) {
				present++
			}
		}
		return float64(present) / float64(len(record))
	}

	var total, got float64
	for _, f := range expected {
		total += f.weight
		if v, ok := record[f.name]; ok && !isMissing(v) {
			got += f.weight
		}
	}
	return got / total
}

// DetectMissingFields lists expected fields that are absent, nil, empty or NaN,
// critical ones first.
func (r *Reporter) DetectMissingFields(record map[string]any, fields FieldSet) []string {
	var missing []string
	for _, f := range fields.fields() {
		if v, ok := record[f.name]; !ok || isMissing(v) {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// GenerateWarnings lists staleness, missing-field and anomaly warnings. A zero
// age skips the staleness checks.
func (r *Reporter) GenerateWarnings(record map[string]any, fields FieldSet, age time.Duration) []string {
	var warnings []string

	if ttl := r.rules.TTL; ttl > 0 && age > 0 {
		switch {
		case age > ttl:
			warnings = append(warnings, fmt.Sprintf("Data is stale: %s old, TTL %s", age.Round(time.Second), ttl))
		case age > ttl/2:
			warnings = append(warnings, fmt.Sprintf("Data is aging: %s old, TTL %s", age.Round(time.Second), ttl))
		}
	}

	if m := missingIn(record, fields.Critical); len(m) > 0 {
		warnings = append(warnings, "Missing critical fields: "+strings.Join(m, ", "))
	}
	if m := missingIn(record, fields.Important); len(m) > 0 {
		warnings = append(warnings, "Missing important fields: "+strings.Join(m, ", "))
	}

	return append(warnings, r.rules.anomalies(record)...)
}

// GenerateQualityReport grades record. timestamp is used when the record
// carries no timestamp field of its own.
func (r *Reporter) GenerateQualityReport(record map[string]any, fields FieldSet, timestamp time.Time) Report {
	now := r.now()
	age := r.DataAge(record, timestamp)
	score := r.CalculateCompleteness(record, fields)
	missing := r.DetectMissingFields(record, fields)
	stale := r.rules.TTL > 0 && age > r.rules.TTL

	report := Report{
		CompletenessScore: score,
		StaleData:         stale,
		DataAge:           age,
		SourceReliability: reliability(score, stale, len(missing)),
		MissingFields:     missing,
		Warnings:          r.GenerateWarnings(record, fields, age),
		GeneratedAt:       now,
	}
	if report.MissingFields == nil {
		report.MissingFields = []string{}
	}
	if report.Warnings == nil {
		report.Warnings = []string{}
	}
	report.Recommendation = recommend(report, len(missingIn(record, fields.Critical)) > 0)
	return report
}

// DataAge is now minus the record's timestamp, else minus fallback, else 0.
// It is never negative.
func (r *Reporter) DataAge(record map[string]any, fallback time.Time) time.Duration {
	ts, ok := recordTime(record, r.rules.TimestampFields)
	if !ok {
		ts = fallback
	}
	if ts.IsZero() {
		return 0
	}
	return max(r.now().Sub(ts), 0)
}

func reliability(score float64, stale bool, missing int) Reliability {
	switch {
	case score >= 0.9 && !stale && missing == 0:
		return ReliabilityHigh
	case score >= 0.7 && !stale && missing <= 2:
		return ReliabilityMedium
	}
	return ReliabilityLow
}

func recommend(r Report, criticalMissing bool) string {
	switch {
	case r.StaleData && r.CompletenessScore < 0.9:
		return RecommendRefresh
	case len(r.MissingFields) > 2:
		return RecommendFallback
	case criticalMissing:
		return RecommendUnsuitable
	case r.SourceReliability == ReliabilityHigh:
		return RecommendSafe
	}
	return RecommendWithCaution
}

func missingIn(record map[string]any, names []string) []string {
	var out []string
	for _, n := range names {
		if v, ok := record[n]; !ok || isMissing(v) {
			out = append(out, n)
		}
	}
	return out
}
