package imaging

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBayerPattern is returned for any pattern outside RGGB, BGGR, GBRG and GRBG
var ErrInvalidBayerPattern = errors.New("invalid bayer pattern")

// BayerPattern names the color layout of a 2x2 sensor tile, read
// top-left, top-right, bottom-left, bottom-right.
type BayerPattern int

const (
	RGGB BayerPattern = iota
	BGGR
	GBRG
	GRBG
)

var patternNames = map[BayerPattern]string{
	RGGB: "RGGB",
	BGGR: "BGGR",
	GBRG: "GBRG",
	GRBG: "GRBG",
}

func (p BayerPattern) String() string {
	if name, ok := patternNames[p]; ok {
		return name
	}
	return fmt.Sprintf("BayerPattern(%d)", int(p))
}

// Valid reports whether p is one of the four known layouts
func (p BayerPattern) Valid() bool {
	_, ok := patternNames[p]
	return ok
}

// ParseBayerPattern resolves a case-insensitive pattern name
func ParseBayerPattern(s string) (BayerPattern, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range patternNames {
		if name == want {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidBayerPattern, s)
}

// MarshalText implements encoding.TextMarshaler
func (p BayerPattern) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBayerPattern, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *BayerPattern) UnmarshalText(b []byte) error {
	v, err := ParseBayerPattern(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Color is an output channel index
type Color int

const (
	Red Color = iota
	Green
	Blue
)

// TilePos is a cell of the 2x2 Bayer tile
type TilePos int

const (
	P1 TilePos = iota // top-left
	P2                // top-right
	P3                // bottom-left
	P4                // bottom-right
)

// Row and Col give the offset of the cell inside its tile
func (t TilePos) Row() int { return int(t) / 2 }
func (t TilePos) Col() int { return int(t) % 2 }

func tileAt(x, y int) TilePos {
	return TilePos((y%2)*2 + x%2)
}

// Method selects how a color is reconstructed at a tile position
type Method int

const (
	Identity Method = iota
	LeftRight
	UpDown
	XShape
	Cross
)

func (m Method) String() string {
	switch m {
	case Identity:
		return "identity"
	case LeftRight:
		return "leftright"
	case UpDown:
		return "updown"
	case XShape:
		return "x_shape"
	case Cross:
		return "cross_shape"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// interpolation[pattern][color][tile position]
var interpolation = map[BayerPattern][3][4]Method{
	RGGB: {
		Red:   {Identity, LeftRight, UpDown, XShape},
		Green: {Cross, Identity, Identity, Cross},
		Blue:  {XShape, UpDown, LeftRight, Identity},
	},
	BGGR: {
		Red:   {XShape, UpDown, LeftRight, Identity},
		Green: {Cross, Identity, Identity, Cross},
		Blue:  {Identity, LeftRight, UpDown, XShape},
	},
	GBRG: {
		Red:   {UpDown, XShape, Identity, LeftRight},
		Green: {Identity, Cross, Cross, Identity},
		Blue:  {LeftRight, Identity, XShape, UpDown},
	},
	GRBG: {
		Red:   {LeftRight, Identity, XShape, UpDown},
		Green: {Identity, Cross, Cross, Identity},
		Blue:  {UpDown, XShape, Identity, LeftRight},
	},
}

// MethodFor returns the reconstruction method for color c at tile position t
func (p BayerPattern) MethodFor(c Color, t TilePos) (Method, error) {
	table, ok := interpolation[p]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBayerPattern, int(p))
	}
	return table[c][t], nil
}

// Sites lists the tile positions where the sensor records color c
func (p BayerPattern) Sites(c Color) []TilePos {
	var out []TilePos
	for t := P1; t <= P4; t++ {
		if m, err := p.MethodFor(c, t); err == nil && m == Identity {
			out = append(out, t)
		}
	}
	return out
}
