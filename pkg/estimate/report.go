package estimate

import (
	"cmp"
	"math"
	"regexp"
	"slices"
)

// DefaultHidePattern hides internal bookkeeping namespaces from reports.
const DefaultHidePattern = "de-dupe"

// ReportOptions controls scaling and filtering.
type ReportOptions struct {
	// Fraction is the sampling fraction; values are scaled by 1/Fraction.
	Fraction float64

	// Hide drops matching namespaces from Rows. They still count in totals.
	// nil hides nothing.
	Hide *regexp.Regexp

	// Population, Target, SampledKeys and Draws are carried into the report
	// header. Target 0 means the sample size is unknown.
	Population  int64
	Target      int
	SampledKeys int
	Draws       int
}

// Row is one namespace in a report.
type Row struct {
	Namespace     string  `json:"namespace"`
	ScaledBytes   float64 `json:"scaled_bytes"`
	Percent       float64 `json:"percent"`
	EstimatedKeys int64   `json:"estimated_keys"`
	SampledKeys   int64   `json:"sampled_keys"`
	AvgBytes      float64 `json:"avg_bytes"`
	MaxBytes      int64   `json:"max_bytes"`
}

// Report is the scaled, sorted audit result.
type Report struct {
	Rows []Row `json:"rows"`

	// NoData is set when the scaled total is zero; Rows is then empty.
	NoData bool `json:"no_data"`

	Fraction         float64 `json:"fraction"`
	Population       int64   `json:"population"`
	Target           int     `json:"target"`
	SampledKeys      int     `json:"sampled_keys"`
	ShortSample      bool    `json:"short_sample"`
	Draws            int     `json:"draws"`
	MeasuredKeys     int64   `json:"measured_keys"`
	UnmeasuredKeys   int64   `json:"unmeasured_keys"`
	SampledBytes     int64   `json:"sampled_bytes"`
	ScaledTotal      float64 `json:"scaled_total_bytes"`
	HiddenNamespaces int     `json:"hidden_namespaces"`
	HiddenBytes      float64 `json:"hidden_scaled_bytes"`
}

// BuildReport scales acc by 1/Fraction. Bytes and key counts are scaled;
// averages and maxima are not. Percent is relative to the scaled total of
// all namespaces, hidden ones included, rounded to two decimals.
func BuildReport(acc *Accumulator, opts ReportOptions) *Report {
	scale := 1.0
	if opts.Fraction > 0 {
		scale = 1 / opts.Fraction
	}

	rep := &Report{
		Fraction:       opts.Fraction,
		Population:     opts.Population,
		Target:         opts.Target,
		SampledKeys:    opts.SampledKeys,
		ShortSample:    opts.SampledKeys < opts.Target,
		Draws:          opts.Draws,
		MeasuredKeys:   acc.TotalCount(),
		UnmeasuredKeys: acc.Unmeasured(),
		SampledBytes:   acc.TotalBytes(),
	}
	rep.ScaledTotal = float64(rep.SampledBytes) * scale
	if rep.ScaledTotal == 0 {
		rep.NoData = true
		return rep
	}

	for ns, s := range acc.stats {
		scaled := float64(s.TotalBytes) * scale
		if opts.Hide != nil && opts.Hide.MatchString(ns) {
			rep.HiddenNamespaces++
			rep.HiddenBytes += scaled
			continue
		}
		rep.Rows = append(rep.Rows, Row{
			Namespace:     ns,
			ScaledBytes:   scaled,
			Percent:       round2(100 * scaled / rep.ScaledTotal),
			EstimatedKeys: int64(math.Round(float64(s.Count) * scale)),
			SampledKeys:   s.Count,
			AvgBytes:      s.AvgBytes(),
			MaxBytes:      s.MaxBytes,
		})
	}

	slices.SortFunc(rep.Rows, func(a, b Row) int {
		if c := cmp.Compare(b.ScaledBytes, a.ScaledBytes); c != 0 {
			return c
		}
		return cmp.Compare(a.Namespace, b.Namespace)
	})
	return rep
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
