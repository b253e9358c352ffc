// Package whiteboard rasterizes a room's draw log.
package whiteboard

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strconv"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWidth  = 1280
	DefaultHeight = 720
)

// Canvas is a white raster that strokes are painted onto. Painting the same
// event sequence always yields the same pixels.
type Canvas struct {
	mu    sync.Mutex
	img   *image.RGBA
	slide string
}

func NewCanvas(width, height int) *Canvas {
	c := &Canvas{img: image.NewRGBA(image.Rect(0, 0, width, height))}
	c.reset()
	return c
}

func (c *Canvas) reset() {
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
}

func (c *Canvas) Draw(ev domain.DrawEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stroke(ev); err != nil {
		log.Warn().Err(err).Str("module", "whiteboard").Msg("stroke skipped")
	}
}

func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Replay replaces the board with the given history.
func (c *Canvas) Replay(evs []domain.DrawEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	for _, ev := range evs {
		if err := c.stroke(ev); err != nil {
			log.Warn().Err(err).Str("module", "whiteboard").Msg("stroke skipped")
		}
	}
}

func (c *Canvas) Slide(imageRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slide = imageRef
}

func (c *Canvas) CurrentSlide() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slide
}

// Snapshot returns a copy of the current pixels.
func (c *Canvas) Snapshot() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

func (c *Canvas) WritePNG(w io.Writer) error {
	if err := png.Encode(w, c.Snapshot()); err != nil {
		return fmt.Errorf("encode board: %w", err)
	}
	return nil
}

func (c *Canvas) stroke(ev domain.DrawEvent) error {
	ev, err := ev.Normalize()
	if err != nil {
		return err
	}
	col, err := ParseColor(ev.Color)
	if err != nil {
		return err
	}
	r := ev.Width / 2
	x0, y0 := int(math.Round(ev.X0)), int(math.Round(ev.Y0))
	x1, y1 := int(math.Round(ev.X1)), int(math.Round(ev.Y1))

	// Bresenham, stamping a disc at every step.
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := sign(x1-x0), sign(y1-y0)
	e := dx + dy
	for {
		c.disc(x0, y0, r, col)
		if x0 == x1 && y0 == y1 {
			return nil
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func (c *Canvas) disc(cx, cy int, r float64, col color.RGBA) {
	ri := int(math.Ceil(r))
	b := c.img.Bounds()
	for y := cy - ri; y <= cy+ri; y++ {
		for x := cx - ri; x <= cx+ri; x++ {
			if !(image.Point{X: x, Y: y}).In(b) {
				continue
			}
			fx, fy := float64(x-cx), float64(y-cy)
			if fx*fx+fy*fy <= r*r+0.25 {
				c.img.SetRGBA(x, y, col)
			}
		}
	}
}

// ParseColor accepts #rgb and #rrggbb.
func ParseColor(s string) (color.RGBA, error) {
	if len(s) != 4 && len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, domain.ErrBadColor
	}
	hex := s[1:]
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, domain.ErrBadColor
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
