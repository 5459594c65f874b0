package subframe

import (
	"github.com/montanaflynn/stats"
)

const (
	fieldEdgeFraction = 0.25
	minReliableStars  = 20
)

var zoneLabels = map[ZonePosition]string{
	ZoneTopLeft:     "TL",
	ZoneTop:         "T",
	ZoneTopRight:    "TR",
	ZoneLeft:        "L",
	ZoneCenter:      "Center",
	ZoneRight:       "R",
	ZoneBottomLeft:  "BL",
	ZoneBottom:      "B",
	ZoneBottomRight: "BR",
}

var allZones = []ZonePosition{
	ZoneTopLeft, ZoneTop, ZoneTopRight,
	ZoneLeft, ZoneCenter, ZoneRight,
	ZoneBottomLeft, ZoneBottom, ZoneBottomRight,
}

// String returns the short zone label.
func (z ZonePosition) String() string { return zoneLabels[z] }

// AnalyzeField divides the image into a 3x3 grid and reports how detected
// stars spread over it. An uneven spread usually points at clouds, gradients
// or a badly tuned sensitivity.
func AnalyzeField(stars []Star, width, height int) FieldAnalysis {
	xLo := float64(width) * fieldEdgeFraction
	xHi := float64(width) * (1.0 - fieldEdgeFraction)
	yLo := float64(height) * fieldEdgeFraction
	yHi := float64(height) * (1.0 - fieldEdgeFraction)

	sizes := make(map[ZonePosition][]float64)
	peaks := make(map[ZonePosition][]float64)
	for _, s := range stars {
		pos := classifyZone(s.Pos.X, s.Pos.Y, xLo, xHi, yLo, yHi)
		sizes[pos] = append(sizes[pos], float64(s.Size))
		peaks[pos] = append(peaks[pos], s.Peak)
	}

	result := FieldAnalysis{Zones: make(map[ZonePosition]ZoneData, len(allZones))}
	lo, hi := len(stars), 0
	for _, pos := range allZones {
		zd := ZoneData{Label: zoneLabels[pos], StarCount: len(sizes[pos])}
		if zd.StarCount > 0 {
			zd.MedianSize, _ = stats.Median(sizes[pos])
			zd.MedianPeak, _ = stats.Median(peaks[pos])
		} else {
			result.EmptyZones++
		}
		result.Zones[pos] = zd
		lo = min(lo, zd.StarCount)
		hi = max(hi, zd.StarCount)
	}
	if hi > 0 {
		result.Balance = float64(lo) / float64(hi)
	}
	result.Reliable = len(stars) >= minReliableStars && result.EmptyZones == 0
	return result
}

func classifyZone(x, y, xLo, xHi, yLo, yHi float64) ZonePosition {
	return allZones[3*band(y, yLo, yHi)+band(x, xLo, xHi)]
}

// band returns 0, 1 or 2 for v below lo, inside [lo, hi) or above.
func band(v, lo, hi float64) int {
	switch {
	case v < lo:
		return 0
	case v < hi:
		return 1
	}
	return 2
}
