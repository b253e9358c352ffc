package domain

import (
	"errors"
	"math"
	"regexp"
)

const (
	DefaultStrokeWidth = 3
	MaxStrokeWidth     = 64
	// MaxCoordinate bounds draw coordinates to something a canvas can hold.
	MaxCoordinate = 1 << 16
)

var (
	ErrBadCoordinate = errors.New("draw coordinate out of range")
	ErrBadColor      = errors.New("draw color must be #rgb or #rrggbb")
	ErrBadWidth      = errors.New("draw width out of range")
)

var colorRe = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// DrawEvent is one line segment of the shared whiteboard.
type DrawEvent struct {
	X0    float64 `json:"x0"`
	Y0    float64 `json:"y0"`
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	Color string  `json:"color"`
	Width float64 `json:"width"`
}

// Normalize fills defaults and validates the event.
func (e DrawEvent) Normalize() (DrawEvent, error) {
	for _, v := range []float64{e.X0, e.Y0, e.X1, e.Y1} {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > MaxCoordinate {
			return DrawEvent{}, ErrBadCoordinate
		}
	}
	if !colorRe.MatchString(e.Color) {
		return DrawEvent{}, ErrBadColor
	}
	if e.Width == 0 {
		e.Width = DefaultStrokeWidth
	}
	if math.IsNaN(e.Width) || e.Width < 0 || e.Width > MaxStrokeWidth {
		return DrawEvent{}, ErrBadWidth
	}
	return e, nil
}
