// Package overlay composites a foreground block over a background view.
package overlay

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Position selects where the foreground is placed.
type Position int

const (
	Center Position = iota
	Top
	Bottom
)

// Config describes the canvas the overlay is placed on.
type Config struct {
	Width    int
	Height   int
	Position Position
}

// Place draws fg over bg. Background cells outside the foreground's
// bounding box are kept, including their styling.
func Place(cfg Config, fg, bg string) string {
	bgLines := strings.Split(bg, "\n")
	fgLines := strings.Split(fg, "\n")

	height := max(cfg.Height, len(bgLines))
	for len(bgLines) < height {
		bgLines = append(bgLines, "")
	}

	fgWidth := 0
	for _, l := range fgLines {
		fgWidth = max(fgWidth, ansi.StringWidth(l))
	}
	width := max(cfg.Width, fgWidth)

	x := max((width-fgWidth)/2, 0)
	var y int
	switch cfg.Position {
	case Top:
		y = 0
	case Bottom:
		y = max(height-len(fgLines), 0)
	default:
		y = max((height-len(fgLines))/2, 0)
	}

	for i, fgLine := range fgLines {
		row := y + i
		if row >= len(bgLines) {
			break
		}
		line := bgLines[row]
		left := ansi.Truncate(line, x, "")
		if pad := x - ansi.StringWidth(left); pad > 0 {
			left += strings.Repeat(" ", pad)
		}
		right := ansi.TruncateLeft(line, x+ansi.StringWidth(fgLine), "")
		bgLines[row] = left + fgLine + right
	}
	return strings.Join(bgLines, "\n")
}
