package compose

import (
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/stagecast/stagecast/internal/layer"
)

// Chat message aging: a message renders at full opacity for fadeStart,
// then fades linearly to fully transparent over fadeDuration.
const (
	chatFadeStart    = 30 * time.Second
	chatFadeDuration = 5 * time.Second
	chatRowHeight    = 18
	chatPadding      = 6
)

// Tunables are vars only so tests can pin the clock.
var chatNow = time.Now

// messageOpacity returns the render opacity for a message of the given
// age: 1.0 within fadeStart, linearly decreasing to 0 at
// fadeStart+fadeDuration.
func messageOpacity(age time.Duration) float64 {
	if age <= chatFadeStart {
		return 1
	}
	over := age - chatFadeStart
	if over >= chatFadeDuration {
		return 0
	}
	return 1 - float64(over)/float64(chatFadeDuration)
}

// renderChat rasterizes a chat panel. Only the last MaxMessages entries
// render, laid out bottom-up; aged-out messages fade, highlighted ones
// get a persistent background tint.
func (c *Compositor) renderChat(content layer.ChatContent) (*image.RGBA, error) {
	w, h := content.Width, content.Height
	if w <= 0 {
		w = 320
	}
	if h <= 0 {
		h = 240
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	msgs := content.Messages
	if content.MaxMessages > 0 && len(msgs) > content.MaxMessages {
		msgs = msgs[len(msgs)-content.MaxMessages:]
	}

	now := chatNow()
	face := basicfont.Face7x13
	y := h - chatPadding

	// Newest message sits at the bottom; walk backwards, rendering
	// upward until the panel is full.
	for i := len(msgs) - 1; i >= 0 && y-chatRowHeight >= 0; i-- {
		msg := msgs[i]
		op := messageOpacity(now.Sub(msg.ReceivedAt))
		if op <= 0 {
			continue
		}
		rowTop := y - chatRowHeight

		if msg.Highlighted {
			tint := color.RGBA{R: 255, G: 200, B: 40, A: uint8(70 * op)}
			rect := image.Rect(0, rowTop, w, y)
			draw.Draw(img, rect, &image.Uniform{C: tint}, image.Point{}, draw.Over)
		}

		alpha := uint8(op*255 + 0.5)
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: alpha}),
			Face: face,
			Dot:  fixed.P(chatPadding, rowTop+face.Ascent),
		}

		line := msg.Text
		if msg.Author != "" {
			line = msg.Author + ": " + msg.Text
		}
		line = fitLine(line, face, w-2*chatPadding)
		d.DrawString(line)

		y = rowTop
	}

	return img, nil
}

// fitLine truncates line with an ellipsis if wider than maxWidth.
func fitLine(line string, face font.Face, maxWidth int) string {
	d := &font.Drawer{Face: face}
	if d.MeasureString(line).Ceil() <= maxWidth {
		return line
	}
	return truncateWithEllipsis(line, face, maxWidth)
}
