// Package geotiff writes uncompressed, single-strip GeoTIFF files.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"slices"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_ImageDescription          = 270
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_ResolutionUnit            = 296
	TagType_ExtraSamples              = 338

	// GeoTIFF tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737

	// TagType_GDALNoData is the GDAL extension tag holding the nodata value as ASCII
	TagType_GDALNoData = 42113
)

const (
	photometricBlackIsZero  = 1
	photometricRGB          = 2
	extraSampleUnassocAlpha = 2
)

var enc = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// Encode writes m to w as an uncompressed TIFF. *image.Gray is written as a
// single 8-bit band; anything else is converted to 8-bit RGBA.
// extraTags maps tag IDs to []uint16 (SHORT), []float64 (DOUBLE) or string (ASCII) values.
func Encode(w io.Writer, m image.Image, extraTags map[uint16]interface{}) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("cannot encode empty image")
	}

	var (
		pixels      []byte
		samples     uint16
		photometric uint16
	)
	switch img := m.(type) {
	case *image.Gray:
		pixels = make([]byte, 0, width*height)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			start := img.PixOffset(bounds.Min.X, y)
			pixels = append(pixels, img.Pix[start:start+width]...)
		}
		samples, photometric = 1, photometricBlackIsZero
	default:
		rgba := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(rgba, rgba.Bounds(), m, bounds.Min, draw.Src)
		pixels = rgba.Pix
		samples, photometric = 4, photometricRGB
	}

	var entries []ifdEntry
	addEntry := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	bitsPerSample := make([]uint16, samples)
	for i := range bitsPerSample {
		bitsPerSample[i] = 8
	}

	addEntry(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width)))
	addEntry(TagType_ImageLength, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_BitsPerSample, DataType_Short, uint32(samples), enc16s(bitsPerSample))
	addEntry(TagType_Compression, DataType_Short, 1, enc16(1)) // none
	addEntry(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(photometric))
	addEntry(TagType_SamplesPerPixel, DataType_Short, 1, enc16(samples))
	addEntry(TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_XResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_YResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_ResolutionUnit, DataType_Short, 1, enc16(2)) // inch
	if samples == 4 {
		addEntry(TagType_ExtraSamples, DataType_Short, 1, enc16(extraSampleUnassocAlpha))
	}
	// filled in once the layout is known
	addEntry(TagType_StripOffsets, DataType_Long, 1, make([]byte, 4))
	addEntry(TagType_StripByteCounts, DataType_Long, 1, enc32(uint32(len(pixels))))

	for tag, val := range extraTags {
		switch v := val.(type) {
		case []uint16:
			addEntry(tag, DataType_Short, uint32(len(v)), enc16s(v))
		case []float64:
			addEntry(tag, DataType_Double, uint32(len(v)), encDoubles(v))
		case string:
			b := append([]byte(v), 0) // NUL terminated
			addEntry(tag, DataType_ASCII, uint32(len(b)), b)
		default:
			return fmt.Errorf("unsupported tag value type for tag %d", tag)
		}
	}

	slices.SortFunc(entries, func(a, b ifdEntry) int { return int(a.tag) - int(b.tag) })

	// Layout: header (8) | IFD | values longer than 4 bytes | pixels
	ifdSize := 2 + 12*len(entries) + 4
	valueDataOffset := 8 + ifdSize

	var largeData bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) <= 4 {
			continue
		}
		offset := uint32(valueDataOffset + largeData.Len())
		largeData.Write(e.data)
		if largeData.Len()%2 == 1 {
			largeData.WriteByte(0) // values start on word boundaries
		}
		e.data = enc32(offset)
	}

	pixelsOffset := uint32(valueDataOffset + largeData.Len())
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			entries[i].data = enc32(pixelsOffset)
		}
	}

	var out bytes.Buffer
	out.Write([]byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00})
	binary.Write(&out, enc, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&out, enc, e.tag)
		binary.Write(&out, enc, e.datatype)
		binary.Write(&out, enc, e.count)
		var val [4]byte
		copy(val[:], e.data)
		out.Write(val[:])
	}
	binary.Write(&out, enc, uint32(0)) // no next IFD
	largeData.WriteTo(&out)
	out.Write(pixels)

	_, err := out.WriteTo(w)
	return err
}

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
