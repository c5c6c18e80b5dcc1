package compose

import (
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/stagecast/stagecast/internal/layer"
)

const (
	textLineHeight = 16
	textPadding    = 4
	ellipsis       = "…"
)

// renderText lays out word-wrapped, alignment-aware text and rasterizes
// it. Overflow beyond MaxLines truncates the final line with an
// ellipsis marker.
func renderText(t layer.TextContent) (*image.RGBA, error) {
	face := basicfont.Face7x13
	maxWidth := t.MaxWidth
	if maxWidth <= 0 {
		maxWidth = 640
	}

	lines := wrapText(t.Text, face, maxWidth-2*textPadding)
	if t.MaxLines > 0 && len(lines) > t.MaxLines {
		lines = lines[:t.MaxLines]
		lines[len(lines)-1] = truncateWithEllipsis(lines[len(lines)-1], face, maxWidth-2*textPadding)
	}

	height := len(lines)*textLineHeight + 2*textPadding
	if height < textLineHeight {
		height = textLineHeight
	}
	img := image.NewRGBA(image.Rect(0, 0, maxWidth, height))

	col := t.Color
	if col.A == 0 {
		col = layer.Color{R: 255, G: 255, B: 255, A: 255}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: col.R, G: col.G, B: col.B, A: col.A}),
		Face: face,
	}

	for i, line := range lines {
		width := d.MeasureString(line).Ceil()
		var x int
		switch t.Align {
		case layer.AlignCenter:
			x = (maxWidth - width) / 2
		case layer.AlignRight:
			x = maxWidth - width - textPadding
		default:
			x = textPadding
		}
		if x < 0 {
			x = 0
		}
		d.Dot = fixed.P(x, textPadding+i*textLineHeight+face.Ascent)
		d.DrawString(line)
	}

	return img, nil
}

// wrapText breaks text into lines no wider than maxWidth, splitting on
// word boundaries. A single word wider than maxWidth occupies its own
// line rather than being broken mid-word.
func wrapText(text string, face font.Face, maxWidth int) []string {
	var lines []string
	d := &font.Drawer{Face: face}

	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			candidate := current + " " + word
			if d.MeasureString(candidate).Ceil() > maxWidth {
				lines = append(lines, current)
				current = word
			} else {
				current = candidate
			}
		}
		lines = append(lines, current)
	}
	return lines
}

// truncateWithEllipsis shortens line until line+ellipsis fits maxWidth.
func truncateWithEllipsis(line string, face font.Face, maxWidth int) string {
	d := &font.Drawer{Face: face}
	runes := []rune(line)
	for len(runes) > 0 && d.MeasureString(string(runes)+ellipsis).Ceil() > maxWidth {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + ellipsis
}
