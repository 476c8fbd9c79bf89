// Package difference derives the moisture-index change between two rasters.
package difference

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"moisture-compare/internal/raster"
)

// Valid range of the relative difference of two normalized indexes
const (
	MinDifference = -2.0
	MaxDifference = 2.0

	// DefaultEpsilon is the tolerance around zero treated as no change
	DefaultEpsilon = 1e-8
)

// ErrMissingInput is returned when a difference is requested before both rasters are known
var ErrMissingInput = errors.New("both before and after rasters are required")

// Mode selects which output is shown on the analysis layer
type Mode int

const (
	ModeContinuous Mode = iota
	ModeClassified
)

func (m Mode) String() string {
	if m == ModeClassified {
		return "classified"
	}
	return "continuous"
}

// ParseMode accepts "continuous"/"relative" and "classified"/"absolute"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continuous", "relative":
		return ModeContinuous, nil
	case "classified", "absolute":
		return ModeClassified, nil
	default:
		return ModeContinuous, fmt.Errorf("invalid difference mode: %s (must be 'continuous' or 'classified')", s)
	}
}

// Class is a categorical change value
type Class uint8

const (
	NoData Class = iota
	Loss
	NoChange
	Gain
)

func (c Class) String() string {
	switch c {
	case Loss:
		return "loss"
	case NoChange:
		return "no change"
	case Gain:
		return "gain"
	default:
		return "no data"
	}
}

// Bands holds the 0-based band IDs the moisture index is computed from
type Bands struct {
	NIR  int `json:"nirBandId"`
	SWIR int `json:"swirBandId"`
}

// DefaultBands are Landsat 8-9 NIR (B5) and SWIR1 (B6)
func DefaultBands() Bands {
	return Bands{NIR: 4, SWIR: 5}
}

// Config configures an Engine
type Config struct {
	Bands   Bands
	Epsilon float64
	Palette Palette
}

// Engine builds the difference outputs for a pair of rasters. It holds no
// per-pair state; every call to Compute is independent.
type Engine struct {
	bands   Bands
	epsilon float64
	palette Palette
}

// NewEngine creates an engine, filling unset config values with defaults
func NewEngine(cfg Config) *Engine {
	if cfg.Bands == (Bands{}) {
		cfg.Bands = DefaultBands()
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.Palette == (Palette{}) {
		cfg.Palette = DefaultPalette()
	}
	return &Engine{bands: cfg.Bands, epsilon: cfg.Epsilon, palette: cfg.Palette}
}

// Epsilon returns the no-change tolerance
func (e *Engine) Epsilon() float64 {
	return e.epsilon
}

// Output is one renderable result: what to compute and how to draw it
type Output struct {
	Function raster.Function `json:"renderingRule"`
	Renderer Renderer        `json:"renderer"`
}

// State is the published difference for one before/after pair
type State struct {
	BeforeID   raster.ID `json:"beforeId"`
	AfterID    raster.ID `json:"afterId"`
	Continuous Output    `json:"continuous"`
	Classified Output    `json:"classified"`
	Mode       Mode      `json:"mode"`
}

// Active returns the output selected by the state's mode
func (s State) Active() Output {
	if s.Mode == ModeClassified {
		return s.Classified
	}
	return s.Continuous
}

// WithMode returns a copy of the state showing the other output. Nothing is recomputed.
func (s State) WithMode(mode Mode) State {
	s.Mode = mode
	return s
}

// Index builds the normalized difference moisture index function for a raster
func (e *Engine) Index(id raster.ID) raster.Function {
	nir := fmt.Sprintf("B%d", e.bands.NIR+1)
	swir := fmt.Sprintf("B%d", e.bands.SWIR+1)
	expression := fmt.Sprintf("(%s-%s)/(%s+%s)", nir, swir, nir, swir)
	return raster.BandArithmetic(id.Ref(), expression, raster.PixelTypeF32)
}

// Compute builds both outputs for a pair of rasters
func (e *Engine) Compute(beforeID, afterID raster.ID, mode Mode) (State, error) {
	if beforeID == "" || afterID == "" {
		return State{}, ErrMissingInput
	}

	relative := raster.Arithmetic(e.Index(beforeID), e.Index(afterID), raster.ArithmeticMinus, raster.PixelTypeF32)
	classified := raster.Remap(relative, []raster.RangeMap{
		{Min: MinDifference, Max: -e.epsilon, Output: int(Loss)},
		{Min: -e.epsilon, Max: e.epsilon, Output: int(NoChange)},
		{Min: e.epsilon, Max: MaxDifference, Output: int(Gain)},
	}, raster.PixelTypeU8)

	return State{
		BeforeID:   beforeID,
		AfterID:    afterID,
		Continuous: Output{Function: relative, Renderer: e.palette.Stretch()},
		Classified: Output{Function: classified, Renderer: e.palette.UniqueValues()},
		Mode:       mode,
	}, nil
}

// NDMI computes the normalized difference moisture index of one pixel.
// It returns NaN when both bands are zero.
func NDMI(nir, swir float64) float64 {
	sum := nir + swir
	if sum == 0 {
		return math.NaN()
	}
	return (nir - swir) / sum
}

// Classify maps a relative difference to its change class. Values within
// epsilon of zero (inclusive) are no change; NaN and values outside the valid
// range are NoData.
func (e *Engine) Classify(diff float64) Class {
	switch {
	case math.IsNaN(diff), diff < MinDifference, diff > MaxDifference:
		return NoData
	case diff < -e.epsilon:
		return Loss
	case diff <= e.epsilon:
		return NoChange
	default:
		return Gain
	}
}

// Pixel holds the band values of one pixel
type Pixel struct {
	NIR  float64
	SWIR float64
}

// Evaluate applies the same math as the server-side outputs to one pixel pair
func (e *Engine) Evaluate(before, after Pixel) (float64, Class) {
	diff := float64(float32(NDMI(before.NIR, before.SWIR) - NDMI(after.NIR, after.SWIR)))
	return diff, e.Classify(diff)
}
