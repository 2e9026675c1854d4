// Package chart renders a minimal SVG preview of a profile's per-phase
// pump targets. The image is attached to imported workspace records so
// a human can tell profiles apart without reading JSON.
package chart

import (
	"fmt"
	"strings"
)

const (
	width      = 480
	height     = 200
	padding    = 24
	maxBar     = 12 // bar/(mL/s) ceiling for the vertical scale
	pressureFg = "#1f6f8b"
	flowFg     = "#c46210"
)

type phasePoint struct {
	pressure float64
	flow     float64
}

// Render produces an SVG step chart from a decoded profile document.
// Unknown or malformed phases render as zero-height steps; Render
// never fails, because chart output is best-effort by design.
func Render(doc map[string]any) []byte {
	points := extractPoints(doc)

	var b strings.Builder

	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		width, height, width, height)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="#fffdf8"/>`, width, height)

	if len(points) > 0 {
		plotW := width - 2*padding
		plotH := height - 2*padding
		stepW := plotW / len(points)

		writePolyline(&b, points, stepW, plotH, pressureFg, func(p phasePoint) float64 { return p.pressure })
		writePolyline(&b, points, stepW, plotH, flowFg, func(p phasePoint) float64 { return p.flow })
	}

	b.WriteString(`</svg>`)

	return []byte(b.String())
}

func extractPoints(doc map[string]any) []phasePoint {
	phases, _ := doc["phases"].([]any)

	var points []phasePoint

	for _, p := range phases {
		phase, ok := p.(map[string]any)
		if !ok {
			points = append(points, phasePoint{})
			continue
		}

		var pt phasePoint

		if pump, ok := phase["pump"].(map[string]any); ok {
			if v, ok := pump["pressure"].(float64); ok {
				pt.pressure = v
			}

			if v, ok := pump["flow"].(float64); ok {
				pt.flow = v
			}
		}

		points = append(points, pt)
	}

	return points
}

func writePolyline(b *strings.Builder, points []phasePoint, stepW, plotH int, color string, value func(phasePoint) float64) {
	var coords []string

	for i, pt := range points {
		v := value(pt)
		if v < 0 {
			v = 0
		}

		if v > maxBar {
			v = maxBar
		}

		y := padding + plotH - int(v/maxBar*float64(plotH))
		x0 := padding + i*stepW
		x1 := x0 + stepW

		coords = append(coords, fmt.Sprintf("%d,%d %d,%d", x0, y, x1, y))
	}

	fmt.Fprintf(b, `<polyline points="%s" fill="none" stroke="%s" stroke-width="2"/>`,
		strings.Join(coords, " "), color)
}
