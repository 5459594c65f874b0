/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package subframe

import (
	"fmt"
	"image"
	"strings"
)

// PSFFunction selects the point spread function model fitted to each star.
type PSFFunction int

const (
	PSFGaussian PSFFunction = iota
	PSFMoffat10
	PSFMoffat8
	PSFMoffat6
	PSFMoffat4
	PSFMoffat25
	PSFMoffat15
	PSFLorentzian
)

var psfFunctionNames = map[PSFFunction]string{
	PSFGaussian:   "Gaussian",
	PSFMoffat10:   "Moffat10",
	PSFMoffat8:    "Moffat8",
	PSFMoffat6:    "Moffat6",
	PSFMoffat4:    "Moffat4",
	PSFMoffat25:   "Moffat25",
	PSFMoffat15:   "Moffat15",
	PSFLorentzian: "Lorentzian",
}

func (f PSFFunction) String() string {
	if name, ok := psfFunctionNames[f]; ok {
		return name
	}
	return "Unknown"
}

// Beta returns the fixed Moffat exponent of the function. Gaussian has none.
func (f PSFFunction) Beta() float64 {
	switch f {
	case PSFMoffat10:
		return 10
	case PSFMoffat8:
		return 8
	case PSFMoffat6:
		return 6
	case PSFMoffat4:
		return 4
	case PSFMoffat25:
		return 2.5
	case PSFMoffat15:
		return 1.5
	case PSFLorentzian:
		return 1
	default:
		return 0
	}
}

// ParsePSFFunction accepts the names printed by String, case-insensitively.
func ParsePSFFunction(name string) (PSFFunction, error) {
	for f, n := range psfFunctionNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return PSFGaussian, fmt.Errorf("unknown PSF function %q", name)
}

// PSFStatus is the outcome of a single star fit.
type PSFStatus int

const (
	PSFNotFitted PSFStatus = iota
	PSFFittedOk
	PSFBadParameters
	PSFNoSolution
	PSFNoConvergence
	PSFInaccurateSolution
)

func (s PSFStatus) String() string {
	switch s {
	case PSFNotFitted:
		return "NotFitted"
	case PSFFittedOk:
		return "FittedOk"
	case PSFBadParameters:
		return "BadParameters"
	case PSFNoSolution:
		return "NoSolution"
	case PSFNoConvergence:
		return "NoConvergence"
	case PSFInaccurateSolution:
		return "InaccurateSolution"
	default:
		return "Unknown"
	}
}

// CameraResolution is the sensor bit depth used to scale normalized pixel values.
type CameraResolution int

const (
	Bits8  CameraResolution = 8
	Bits10 CameraResolution = 10
	Bits12 CameraResolution = 12
	Bits14 CameraResolution = 14
	Bits16 CameraResolution = 16
)

// MaxValue is the largest data number representable at this resolution.
// Unknown resolutions are treated as 16 bits.
func (r CameraResolution) MaxValue() float64 {
	switch r {
	case Bits8, Bits10, Bits12, Bits14, Bits16:
		return float64(uint32(1)<<uint(r) - 1)
	default:
		return 65535
	}
}

// Point2d represents a 2D point with float64 coordinates.
type Point2d struct {
	X, Y float64
}

// Star is a detected star candidate.
type Star struct {
	Pos        Point2d
	Bounds     image.Rectangle
	Size       int // number of structure pixels
	Flux       float64
	Peak       float64
	Background float64
	Normalized float64
}

func (s *Star) String() string {
	return fmt.Sprintf("{Pos=(%f,%f), Bounds=%v, Size=%d, Flux=%f, Peak=%f, Background=%f}",
		s.Pos.X, s.Pos.Y, s.Bounds, s.Size, s.Flux, s.Peak, s.Background)
}

// AddOffset returns a copy of the star with the given offset applied.
func (s Star) AddOffset(xOffset, yOffset int) Star {
	s.Pos = Point2d{X: s.Pos.X + float64(xOffset), Y: s.Pos.Y + float64(yOffset)}
	s.Bounds = s.Bounds.Add(image.Pt(xOffset, yOffset))
	return s
}

// PSFFitResult contains the result of PSF fitting.
// SX >= SY holds for every fitted result; Theta is the rotation of the SX axis.
type PSFFitResult struct {
	Status   PSFStatus
	Function PSFFunction
	Circular bool
	B        float64 // local background
	A        float64 // amplitude above background
	X0, Y0   float64 // centroid in image coordinates
	SX, SY   float64
	Theta    float64
	MAD      float64 // mean absolute residual relative to A
}

// FWHMx is the full width at half maximum along the major axis.
func (r PSFFitResult) FWHMx() float64 { return FWHM(r.Function, r.SX) }

// FWHMy is the full width at half maximum along the minor axis.
func (r PSFFitResult) FWHMy() float64 { return FWHM(r.Function, r.SY) }

func (r PSFFitResult) String() string {
	return fmt.Sprintf("{Status=%s, Function=%s, B=%f, A=%f, X0=%f, Y0=%f, SX=%f, SY=%f, Theta=%f, MAD=%f}",
		r.Status, r.Function, r.B, r.A, r.X0, r.Y0, r.SX, r.SY, r.Theta, r.MAD)
}

// QualityMetrics is the per-subframe measurement record.
type QualityMetrics struct {
	FWHM                float64
	FWHMMeanDev         float64
	Eccentricity        float64
	EccentricityMeanDev float64
	SNRWeight           float64
	Median              float64
	MedianMeanDev       float64
	Noise               float64
	NoiseRatio          float64
	Stars               int
	StarResidual        float64
	StarResidualMeanDev float64
}

// DetectorMetrics tracks detection filtering statistics.
type DetectorMetrics struct {
	StructureCandidates int
	TotalDetected       int
	TooSmall            int
	OnBorder            int
	TooDistorted        int
	Saturated           int
	LowSensitivity      int
	OffPeak             int
	TooFlat             int
	Degenerate          int
	StructurePixels     int
	BinarizeThreshold   float64
}

func (m DetectorMetrics) String() string {
	return fmt.Sprintf("{Candidates=%d, Detected=%d, TooSmall=%d, OnBorder=%d, TooDistorted=%d, Saturated=%d, LowSensitivity=%d, OffPeak=%d, TooFlat=%d, Degenerate=%d}",
		m.StructureCandidates, m.TotalDetected, m.TooSmall, m.OnBorder, m.TooDistorted,
		m.Saturated, m.LowSensitivity, m.OffPeak, m.TooFlat, m.Degenerate)
}

// DetectionResult is the output of the star detector.
type DetectionResult struct {
	Stars   []Star
	Metrics DetectorMetrics
	// StructureMap is the binarized structure map; nil unless requested.
	StructureMap *Mat
}

// Close releases the structure map, if any.
func (r *DetectionResult) Close() {
	if r != nil && r.StructureMap != nil {
		r.StructureMap.Close()
		r.StructureMap = nil
	}
}

// ZonePosition identifies a zone in the 3x3 field grid.
type ZonePosition int

const (
	ZoneTopLeft ZonePosition = iota
	ZoneTop
	ZoneTopRight
	ZoneLeft
	ZoneCenter
	ZoneRight
	ZoneBottomLeft
	ZoneBottom
	ZoneBottomRight
)

// ZoneData holds per-zone statistics.
type ZoneData struct {
	Label      string
	StarCount  int
	MedianSize float64
	MedianPeak float64
}

// FieldAnalysis holds the per-zone distribution of detected stars.
type FieldAnalysis struct {
	Zones      map[ZonePosition]ZoneData
	Balance    float64 // smallest zone count divided by largest
	EmptyZones int
	Reliable   bool
}
