package subframe

import (
	"errors"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoFittedStars is returned when no star of a subframe could be fitted.
var ErrNoFittedStars = errors.New("no PSF could be fitted")

// StarAggregate holds the star derived part of QualityMetrics.
type StarAggregate struct {
	Stars               int
	FWHM                float64
	FWHMMeanDev         float64
	Eccentricity        float64
	EccentricityMeanDev float64
	StarResidual        float64
	StarResidualMeanDev float64
}

// Apply copies the aggregate into q.
func (a StarAggregate) Apply(q *QualityMetrics) {
	q.Stars = a.Stars
	q.FWHM = a.FWHM
	q.FWHMMeanDev = a.FWHMMeanDev
	q.Eccentricity = a.Eccentricity
	q.EccentricityMeanDev = a.EccentricityMeanDev
	q.StarResidual = a.StarResidual
	q.StarResidualMeanDev = a.StarResidualMeanDev
}

// AggregatePSFs combines fitted stars into subframe metrics. Central values
// are averages weighted by minMAD/mad; their mean deviations are unweighted
// and taken around the plain median. Widths are sqrt(sx*sy) converted with
// the FWHM of fn.
func AggregatePSFs(fits []PSFFitResult, fn PSFFunction) (StarAggregate, error) {
	if len(fits) == 0 {
		return StarAggregate{}, ErrNoFittedStars
	}

	minMAD := math.MaxFloat64
	for _, f := range fits {
		minMAD = math.Min(minMAD, f.MAD)
	}

	n := len(fits)
	weights := make([]float64, n)
	widths := make([]float64, n)
	eccentricities := make([]float64, n)
	residuals := make([]float64, n)
	for i, f := range fits {
		switch {
		case f.MAD > 0:
			weights[i] = minMAD / f.MAD
		case minMAD == 0:
			weights[i] = 1
		}
		widths[i] = math.Sqrt(f.SX * f.SY)
		ratio := f.SY / f.SX
		eccentricities[i] = math.Sqrt(math.Max(0, 1-ratio*ratio))
		residuals[i] = f.MAD
	}

	agg := StarAggregate{
		Stars:        n,
		FWHM:         FWHM(fn, stat.Mean(widths, weights)),
		Eccentricity: stat.Mean(eccentricities, weights),
		StarResidual: stat.Mean(residuals, weights),
	}
	agg.FWHMMeanDev = FWHM(fn, meanDevFromMedian(widths))
	agg.EccentricityMeanDev = meanDevFromMedian(eccentricities)
	agg.StarResidualMeanDev = meanDevFromMedian(residuals)
	return agg, nil
}

// meanDevFromMedian is the mean absolute deviation of values from their median.
func meanDevFromMedian(values []float64) float64 {
	data := stats.Float64Data(values)
	median, err := data.Median()
	if err != nil {
		return 0
	}
	dev := make(stats.Float64Data, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - median)
	}
	mean, err := dev.Mean()
	if err != nil {
		return 0
	}
	return mean
}
