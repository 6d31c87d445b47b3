package main

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/essentialkaos/ek/v12/color"
)

// RGB is an 8-bit per channel color.
type RGB struct {
	R uint8
	G uint8
	B uint8
}

var (
	Black = RGB{}
	White = RGB{R: 255, G: 255, B: 255}
)

// clampChannel rounds v to the nearest integer and clamps it to [0,255].
func clampChannel(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}

// Scale multiplies every channel by f.
// Scale(1) is the identity and Scale(0) is always black.
func (c RGB) Scale(f float64) RGB {
	return RGB{
		R: clampChannel(float64(c.R) * f),
		G: clampChannel(float64(c.G) * f),
		B: clampChannel(float64(c.B) * f),
	}
}

// Lerp interpolates linearly from a to b. p is clamped to [0,1].
func Lerp(a, b RGB, p float64) RGB {
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	mix := func(x, y uint8) uint8 {
		return clampChannel(float64(x) + (float64(y)-float64(x))*p)
	}
	return RGB{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B)}
}

// HSVToRGB converts hue (degrees, any range), saturation and value ([0,1]) to RGB.
func HSVToRGB(h, s, v float64) RGB {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	s = math.Max(0, math.Min(1, s))
	v = math.Max(0, math.Min(1, v))

	chroma := v * s
	x := chroma * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - chroma

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = chroma, x, 0
	case h < 120:
		r, g, b = x, chroma, 0
	case h < 180:
		r, g, b = 0, chroma, x
	case h < 240:
		r, g, b = 0, x, chroma
	case h < 300:
		r, g, b = x, 0, chroma
	default:
		r, g, b = chroma, 0, x
	}
	return RGB{
		R: clampChannel((r + m) * 255),
		G: clampChannel((g + m) * 255),
		B: clampChannel((b + m) * 255),
	}
}

// HSV returns hue in degrees [0,360) and saturation/value in [0,1].
func (c RGB) HSV() (h, s, v float64) {
	r := float64(c.R) / 255
	g := float64(c.G) / 255
	b := float64(c.B) / 255

	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	delta := maxC - minC

	v = maxC
	if maxC > 0 {
		s = delta / maxC
	}
	if delta == 0 {
		return 0, s, v
	}

	switch maxC {
	case r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}

// RotateHue shifts the hue of c by deg degrees, keeping saturation and value.
func RotateHue(c RGB, deg float64) RGB {
	h, s, v := c.HSV()
	return HSVToRGB(h+deg, s, v)
}

// Hex formats c as "#rrggbb".
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func (c RGB) String() string { return c.Hex() }

// ParseHex parses "#rrggbb", "rrggbb" or the short "#rgb" form.
func ParseHex(s string) (RGB, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RGB{}, fmt.Errorf("empty color")
	}
	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	hex, err := color.Parse(s)
	if err != nil {
		return RGB{}, fmt.Errorf("parse color %q: %w", s, err)
	}
	rgb := hex.ToRGB()
	return RGB{R: rgb.R, G: rgb.G, B: rgb.B}, nil
}

// MarshalJSON encodes the color as a hex string, the format the server uses.
func (c RGB) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Hex())
}

// UnmarshalJSON accepts "#rrggbb" strings and [r,g,b] arrays.
func (c *RGB) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseHex(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}

	var triple []float64
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("color must be a hex string or [r,g,b]: %w", err)
	}
	if len(triple) != 3 {
		return fmt.Errorf("color array must have 3 channels, got %d", len(triple))
	}
	*c = RGB{R: clampChannel(triple[0]), G: clampChannel(triple[1]), B: clampChannel(triple[2])}
	return nil
}
