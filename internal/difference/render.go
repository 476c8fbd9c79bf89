package difference

// Color is an RGB triple
type Color [3]uint8

// Palette holds the colors used by both difference renderers
type Palette struct {
	Loss     Color `json:"loss"`
	NoChange Color `json:"noChange"`
	Gain     Color `json:"gain"`
}

// DefaultPalette is red for loss, grey for no change and green for gain
func DefaultPalette() Palette {
	return Palette{
		Loss:     Color{255, 0, 0},
		NoChange: Color{128, 128, 128},
		Gain:     Color{0, 255, 0},
	}
}

// Renderer describes how the client draws an output
type Renderer interface {
	RendererType() string
}

// ColorRamp is a two-color algorithmic ramp
type ColorRamp struct {
	Type      string `json:"type"`
	FromColor Color  `json:"fromColor"`
	ToColor   Color  `json:"toColor"`
}

// StretchRenderer draws a continuous raster with a statistics-driven stretch
type StretchRenderer struct {
	Type                       string    `json:"type"`
	StretchType                string    `json:"stretchType"`
	NumberOfStandardDeviations float64   `json:"numberOfStandardDeviations"`
	DynamicRangeAdjustment     bool      `json:"dynamicRangeAdjustment"`
	OutputMin                  int       `json:"outputMin"`
	OutputMax                  int       `json:"outputMax"`
	ColorRamp                  ColorRamp `json:"colorRamp"`
}

// RendererType implements Renderer
func (StretchRenderer) RendererType() string { return "raster-stretch" }

// UniqueValueInfo is one class entry of a unique value renderer
type UniqueValueInfo struct {
	Value int    `json:"value"`
	Label string `json:"label"`
	Color Color  `json:"color"`
}

// UniqueValueRenderer draws a categorical raster with one color per class
type UniqueValueRenderer struct {
	Type             string            `json:"type"`
	Field            string            `json:"field"`
	UniqueValueInfos []UniqueValueInfo `json:"uniqueValueInfos"`
}

// RendererType implements Renderer
func (UniqueValueRenderer) RendererType() string { return "unique-value" }

// Stretch returns the renderer for the continuous difference: one standard
// deviation, symmetric, from the loss color to the gain color
func (p Palette) Stretch() StretchRenderer {
	return StretchRenderer{
		Type:                       "raster-stretch",
		StretchType:                "standard-deviation",
		NumberOfStandardDeviations: 1.0,
		DynamicRangeAdjustment:     true,
		OutputMin:                  0,
		OutputMax:                  255,
		ColorRamp: ColorRamp{
			Type:      "algorithmic",
			FromColor: p.Loss,
			ToColor:   p.Gain,
		},
	}
}

// UniqueValues returns the renderer for the classified difference
func (p Palette) UniqueValues() UniqueValueRenderer {
	return UniqueValueRenderer{
		Type:  "unique-value",
		Field: "value",
		UniqueValueInfos: []UniqueValueInfo{
			{Value: int(Loss), Label: Loss.String(), Color: p.Loss},
			{Value: int(NoChange), Label: NoChange.String(), Color: p.NoChange},
			{Value: int(Gain), Label: Gain.String(), Color: p.Gain},
		},
	}
}

// ColorOf returns the palette color of a class. NoData has none.
func (p Palette) ColorOf(c Class) (Color, bool) {
	switch c {
	case Loss:
		return p.Loss, true
	case NoChange:
		return p.NoChange, true
	case Gain:
		return p.Gain, true
	default:
		return Color{}, false
	}
}
