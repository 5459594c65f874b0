// Package selection approves, weights and sorts measured subframes.
package selection

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/montanaflynn/stats"

	"subframeselector/pkg/scheduler"
	"subframeselector/pkg/subframe"
)

// ScaleUnit is the unit FWHM values are presented in.
type ScaleUnit int

const (
	ScaleArcSeconds ScaleUnit = iota
	ScalePixel
)

// DataUnit is the unit of median and noise values.
type DataUnit int

const (
	DataNormalized DataUnit = iota
	DataNumber
	DataElectron
)

// ParseScaleUnit accepts "arcsec" or "pixel".
func ParseScaleUnit(s string) (ScaleUnit, error) {
	switch strings.ToLower(s) {
	case "arcsec", "arcseconds", "":
		return ScaleArcSeconds, nil
	case "pixel", "pixels", "px":
		return ScalePixel, nil
	}
	return 0, fmt.Errorf("unknown scale unit %q", s)
}

// ParseDataUnit accepts "normalized", "dn" or "electron".
func ParseDataUnit(s string) (DataUnit, error) {
	switch strings.ToLower(s) {
	case "normalized", "":
		return DataNormalized, nil
	case "dn", "datanumber", "data-number":
		return DataNumber, nil
	case "electron", "electrons", "e-":
		return DataElectron, nil
	}
	return 0, fmt.Errorf("unknown data unit %q", s)
}

// Units converts measured values to presentation units.
type Units struct {
	// SubframeScale is the image scale in arcseconds per pixel.
	SubframeScale float64
	ScaleUnit     ScaleUnit
	// CameraGain is in electrons per data number.
	CameraGain float64
	Resolution subframe.CameraResolution
	DataUnit   DataUnit
}

// DefaultUnits presents values in pixels and normalized data.
func DefaultUnits() Units {
	return Units{SubframeScale: 1, ScaleUnit: ScalePixel, CameraGain: 1, Resolution: subframe.Bits16, DataUnit: DataNormalized}
}

func (u Units) scale(v float64) float64 {
	if u.ScaleUnit == ScaleArcSeconds {
		return v * u.SubframeScale
	}
	return v
}

func (u Units) data(v float64) float64 {
	switch u.DataUnit {
	case DataElectron:
		return v * u.Resolution.MaxValue() * u.CameraGain
	case DataNumber:
		return v * u.Resolution.MaxValue()
	}
	return v
}

// Property names a sortable, selectable measurement.
type Property int

const (
	PropIndex Property = iota
	PropWeight
	PropFWHM
	PropEccentricity
	PropSNRWeight
	PropMedian
	PropMedianMeanDev
	PropNoise
	PropNoiseRatio
	PropStars
	PropStarResidual
	PropFWHMMeanDev
	PropEccentricityMeanDev
	PropStarResidualMeanDev
	numProperties
)

var propertyNames = [numProperties]string{
	"Index", "Weight", "FWHM", "Eccentricity", "SNRWeight", "Median", "MedianMeanDev",
	"Noise", "NoiseRatio", "Stars", "StarResidual", "FWHMMeanDev", "EccentricityMeanDev",
	"StarResidualMeanDev",
}

func (p Property) String() string {
	if p >= 0 && p < numProperties {
		return propertyNames[p]
	}
	return fmt.Sprintf("Property(%d)", int(p))
}

// ParseProperty matches a property name case-insensitively.
func ParseProperty(s string) (Property, error) {
	for i, name := range propertyNames {
		if strings.EqualFold(name, s) {
			return Property(i), nil
		}
	}
	return 0, fmt.Errorf("unknown property %q", s)
}

// Raw returns the stored value of p.
func Raw(item *scheduler.MeasureItem, p Property) float64 {
	switch p {
	case PropIndex:
		return float64(item.Index)
	case PropWeight:
		return item.Weight
	case PropFWHM:
		return item.FWHM
	case PropEccentricity:
		return item.Eccentricity
	case PropSNRWeight:
		return item.SNRWeight
	case PropMedian:
		return item.Median
	case PropMedianMeanDev:
		return item.MedianMeanDev
	case PropNoise:
		return item.Noise
	case PropNoiseRatio:
		return item.NoiseRatio
	case PropStars:
		return float64(item.Stars)
	case PropStarResidual:
		return item.StarResidual
	case PropFWHMMeanDev:
		return item.FWHMMeanDev
	case PropEccentricityMeanDev:
		return item.EccentricityMeanDev
	case PropStarResidualMeanDev:
		return item.StarResidualMeanDev
	}
	return 0
}

// Value returns p converted to u.
func (u Units) Value(item *scheduler.MeasureItem, p Property) float64 {
	v := Raw(item, p)
	switch p {
	case PropFWHM, PropFWHMMeanDev:
		return u.scale(v)
	case PropMedian, PropMedianMeanDev, PropNoise:
		return u.data(v)
	}
	return v
}

// Stats summarizes one property over all items.
type Stats struct {
	Min, Max  float64
	Median    float64
	Deviation float64
}

// Sigma returns v in mean deviations from the median.
func (s Stats) Sigma(v float64) float64 {
	d := s.Deviation
	if d == 0 {
		d = 1
	}
	return (v - s.Median) / d
}

// Properties holds Stats for every property.
type Properties [numProperties]Stats

// Of returns the statistics of p.
func (ps *Properties) Of(p Property) Stats { return ps[p] }

// MeasureProperties computes min, max, median and mean deviation from the
// median of every property in presentation units.
func MeasureProperties(items []scheduler.MeasureItem, u Units) Properties {
	var props Properties
	if len(items) == 0 {
		return props
	}
	values := make([]float64, len(items))
	for p := Property(0); p < numProperties; p++ {
		st := Stats{Min: math.MaxFloat64, Max: -math.MaxFloat64}
		for i := range items {
			v := u.Value(&items[i], p)
			values[i] = v
			st.Min = math.Min(st.Min, v)
			st.Max = math.Max(st.Max, v)
		}
		st.Median, _ = stats.Median(values)
		var dev float64
		for _, v := range values {
			dev += math.Abs(v - st.Median)
		}
		st.Deviation = dev / float64(len(values))
		props[p] = st
	}
	return props
}

// SortItems orders items by the raw value of p. Ties keep their order.
func SortItems(items []scheduler.MeasureItem, p Property, ascending bool) {
	slices.SortStableFunc(items, func(a, b scheduler.MeasureItem) int {
		va, vb := Raw(&a, p), Raw(&b, p)
		c := 0
		switch {
		case va < vb:
			c = -1
		case va > vb:
			c = 1
		}
		if !ascending {
			c = -c
		}
		return c
	})
}
