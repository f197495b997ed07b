package render

import (
	"sort"

	"github.com/charmbracelet/colorprofile"
	"github.com/lucasb-eyer/go-colorful"
)

// Profile is the color capability of a client terminal.
type Profile uint8

const (
	ProfileMono Profile = iota
	Profile16
	Profile256
	ProfileTrueColor
)

func (p Profile) String() string {
	switch p {
	case ProfileTrueColor:
		return "truecolor"
	case Profile256:
		return "256"
	case Profile16:
		return "16"
	default:
		return "mono"
	}
}

// DetectProfile derives the profile from the environment a client
// reported in its hello (TERM, COLORTERM, NO_COLOR and friends).
func DetectProfile(env map[string]string) Profile {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(env))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}

	switch colorprofile.Env(list) {
	case colorprofile.TrueColor:
		return ProfileTrueColor
	case colorprofile.ANSI256:
		return Profile256
	case colorprofile.ANSI:
		return Profile16
	default:
		return ProfileMono
	}
}

// palette holds the xterm RGB values of the 256 indexed colors.
var palette = buildPalette()

func buildPalette() [256]colorful.Color {
	var p [256]colorful.Color
	base := [16][3]uint8{
		{0, 0, 0}, {205, 0, 0}, {0, 205, 0}, {205, 205, 0},
		{0, 0, 238}, {205, 0, 205}, {0, 205, 205}, {229, 229, 229},
		{127, 127, 127}, {255, 0, 0}, {0, 255, 0}, {255, 255, 0},
		{92, 92, 255}, {255, 0, 255}, {0, 255, 255}, {255, 255, 255},
	}
	for i, c := range base {
		p[i] = rgbColor(c[0], c[1], c[2])
	}
	levels := [6]uint8{0, 95, 135, 175, 215, 255}
	for i := 0; i < 216; i++ {
		p[16+i] = rgbColor(levels[i/36], levels[(i/6)%6], levels[i%6])
	}
	for i := 0; i < 24; i++ {
		v := uint8(8 + 10*i)
		p[232+i] = rgbColor(v, v, v)
	}
	return p
}

func rgbColor(r, g, b uint8) colorful.Color {
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
}

// nearest returns the palette index in [lo, hi) perceptually closest to c.
func nearest(c colorful.Color, lo, hi int) uint8 {
	best, bestDist := lo, -1.0
	for i := lo; i < hi; i++ {
		if d := c.DistanceLab(palette[i]); bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return uint8(best)
}

// converter downgrades colors to a profile, memoizing results.
type converter struct {
	profile Profile
	cache   map[Color]Color
}

func newConverter(p Profile) *converter {
	return &converter{profile: p, cache: make(map[Color]Color)}
}

func (cv *converter) convert(c Color) Color {
	if c.Kind == ColorDefault {
		return c
	}
	switch cv.profile {
	case ProfileTrueColor:
		return c
	case ProfileMono:
		return DefaultColor
	}
	if c.Kind == ColorIndexed && (c.Index < 16 || cv.profile == Profile256) {
		return c
	}
	if out, ok := cv.cache[c]; ok {
		return out
	}

	var src colorful.Color
	if c.Kind == ColorRGB {
		src = rgbColor(c.R, c.G, c.B)
	} else {
		src = palette[c.Index]
	}

	var out Color
	if cv.profile == Profile256 {
		// 0-15 are left out: terminals theme them freely
		out = Indexed(nearest(src, 16, 256))
	} else {
		out = Indexed(nearest(src, 0, 16))
	}
	cv.cache[c] = out
	return out
}

// Convert downgrades c to what p can display.
func (p Profile) Convert(c Color) Color {
	return newConverter(p).convert(c)
}
