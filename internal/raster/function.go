package raster

import (
	"github.com/goccy/go-json"
)

// Pixel types understood by the image service
const (
	PixelTypeF32 = "F32"
	PixelTypeU8  = "U8"
)

// Function is a server-side rendering rule. Arguments may hold nested
// Functions, raster references ("$<id>") or plain values.
type Function struct {
	Name            string         `json:"rasterFunction"`
	Arguments       map[string]any `json:"rasterFunctionArguments,omitempty"`
	OutputPixelType string         `json:"outputPixelType,omitempty"`
	Variable        string         `json:"variableName,omitempty"`
}

// IsZero reports whether no rendering rule is set
func (f Function) IsZero() bool {
	return f.Name == ""
}

// JSON returns the rendering rule as sent in a request parameter
func (f Function) JSON() (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Arithmetic operations of the Arithmetic raster function
const (
	ArithmeticPlus  = 1
	ArithmeticMinus = 2
	ArithmeticTimes = 3
)

// BandArithmetic builds a user-defined band arithmetic function on a raster.
// expression uses 1-based band names (B1, B2, ...).
func BandArithmetic(raster any, expression string, pixelType string) Function {
	return Function{
		Name: "BandArithmetic",
		Arguments: map[string]any{
			"Method":      0,
			"BandIndexes": expression,
			"Raster":      raster,
		},
		OutputPixelType: pixelType,
	}
}

// Arithmetic combines two rasters with one of the Arithmetic* operations
func Arithmetic(raster, raster2 any, operation int, pixelType string) Function {
	return Function{
		Name: "Arithmetic",
		Arguments: map[string]any{
			"Raster":    raster,
			"Raster2":   raster2,
			"Operation": operation,
		},
		OutputPixelType: pixelType,
	}
}

// RangeMap maps the half-open range [Min, Max) to Output
type RangeMap struct {
	Min    float64
	Max    float64
	Output int
}

// Remap maps value ranges of a raster to discrete outputs. Unmapped values
// become NoData.
func Remap(raster any, ranges []RangeMap, pixelType string) Function {
	inputRanges := make([]float64, 0, len(ranges)*2)
	outputValues := make([]int, 0, len(ranges))
	for _, r := range ranges {
		inputRanges = append(inputRanges, r.Min, r.Max)
		outputValues = append(outputValues, r.Output)
	}
	return Function{
		Name: "Remap",
		Arguments: map[string]any{
			"InputRanges":    inputRanges,
			"OutputValues":   outputValues,
			"Raster":         raster,
			"AllowUnmatched": false,
		},
		OutputPixelType: pixelType,
	}
}
