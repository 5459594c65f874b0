package cache

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"

	"subframeselector/pkg/subframe"
)

// Version is the layout version written with every record. Records of any
// other version are cache misses.
const Version = 1

// unset marks a field that a decoded record never assigned.
const unset = -math.MaxFloat64

// Record is the cached measurement of one subframe.
type Record struct {
	Version int
	Metrics subframe.QualityMetrics
}

// NewRecord wraps metrics with the current Version.
func NewRecord(q subframe.QualityMetrics) Record {
	return Record{Version: Version, Metrics: q}
}

type recordField struct {
	key string
	f   *float64
}

func (r *Record) floatFields() []recordField {
	q := &r.Metrics
	return []recordField{
		{"fwhm", &q.FWHM},
		{"fwhmMeanDev", &q.FWHMMeanDev},
		{"eccentricity", &q.Eccentricity},
		{"eccentricityMeanDev", &q.EccentricityMeanDev},
		{"snrWeight", &q.SNRWeight},
		{"median", &q.Median},
		{"medianMeanDev", &q.MedianMeanDev},
		{"noise", &q.Noise},
		{"noiseRatio", &q.NoiseRatio},
		{"starResidual", &q.StarResidual},
		{"starResidualMeanDev", &q.StarResidualMeanDev},
	}
}

// Valid reports whether r has the current version and every field set.
func (r Record) Valid() bool {
	if r.Version != Version || r.Metrics.Stars < 0 {
		return false
	}
	for _, f := range r.floatFields() {
		if *f.f == unset || math.IsNaN(*f.f) {
			return false
		}
	}
	return true
}

// Encode returns the key\nvalue\n text of r.
func (r Record) Encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cacheVersion\n%d\n", r.Version)
	for _, f := range r.floatFields() {
		fmt.Fprintf(&b, "%s\n%s\n", f.key, strconv.FormatFloat(*f.f, 'g', -1, 64))
	}
	fmt.Fprintf(&b, "stars\n%d\n", r.Metrics.Stars)
	return b.String()
}

// DecodeRecord parses the text written by Encode. Unknown keys are ignored
// and missing ones stay unset, so the result may not be Valid.
func DecodeRecord(text string) (Record, error) {
	r := Record{Metrics: subframe.QualityMetrics{Stars: -1}}
	fields := r.floatFields()
	byKey := make(map[string]*float64, len(fields))
	for _, f := range fields {
		*f.f = unset
		byKey[f.key] = f.f
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		key := strings.TrimSpace(sc.Text())
		if key == "" {
			continue
		}
		if !sc.Scan() {
			return r, fmt.Errorf("cache record: key %q has no value", key)
		}
		value := strings.TrimSpace(sc.Text())
		switch key {
		case "cacheVersion":
			v, err := strconv.Atoi(value)
			if err != nil {
				return r, fmt.Errorf("cache record: %s: %w", key, err)
			}
			r.Version = v
		case "stars":
			v, err := strconv.Atoi(value)
			if err != nil {
				return r, fmt.Errorf("cache record: %s: %w", key, err)
			}
			r.Metrics.Stars = v
		default:
			f, ok := byKey[key]
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return r, fmt.Errorf("cache record: %s: %w", key, err)
			}
			*f = v
		}
	}
	return r, sc.Err()
}
