// Package colormap maps fluorescence channel names to display hues and
// converts hue/brightness pairs to RGB.
package colormap

import (
	"image/color"
	"math"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Hue is a display hue in degrees, [0, 360).
type Hue float64

const (
	Red     Hue = 0
	Yellow  Hue = 60
	Green   Hue = 120
	Cyan    Hue = 180
	Blue    Hue = 240
	Magenta Hue = 300
)

// nameHues is matched as substrings of the lower-cased channel name, in order.
var nameHues = []struct {
	token string
	hue   Hue
}{
	{"dapi", Blue},
	{"hoechst", Blue},
	{"fitc", Green},
	{"gfp", Green},
	{"488", Green},
	{"tritc", Red},
	{"cy3", Red},
	{"rfp", Red},
	{"555", Red},
	{"594", Red},
	{"texas", Red},
	{"cy5", Magenta},
	{"647", Magenta},
	{"yfp", Yellow},
	{"cy7", Cyan},
	{"blue", Blue},
	{"green", Green},
	{"red", Red},
	{"yellow", Yellow},
}

// palette is used for channels whose names carry no known stain.
var palette = []Hue{Red, Green, Blue, Yellow, Magenta, Cyan}

// HueFor returns the conventional hue for a channel name. Unknown names fall
// back to a palette by channel index.
func HueFor(name string, index int) Hue {
	if h, ok := LookupHue(name); ok {
		return h
	}
	if index < 0 {
		index = -index
	}
	return palette[index%len(palette)]
}

// LookupHue returns the hue for a known stain or color name.
func LookupHue(name string) (Hue, bool) {
	n := strings.ToLower(name)
	for _, e := range nameHues {
		if strings.Contains(n, e.token) {
			return e.hue, true
		}
	}
	return 0, false
}

// Hues returns HueFor for every name.
func Hues(names []string) []Hue {
	out := make([]Hue, len(names))
	for i, n := range names {
		out[i] = HueFor(n, i)
	}
	return out
}

// HSB returns the opaque RGB color for hue h at full saturation s and
// brightness v, both in [0, 1].
func HSB(h Hue, s, v float64) color.RGBA {
	deg := math.Mod(float64(h), 360)
	if deg < 0 {
		deg += 360
	}
	r, g, b := colorful.Hsv(deg, clamp01(s), clamp01(v)).RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
