package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/3leaps/climgrid/pkg/crs"
)

// WriteOptions controls GeoTIFF output.
type WriteOptions struct {
	// RowsPerStrip is the strip height. Zero means 16.
	RowsPerStrip int

	// Deflate enables zlib compression.
	Deflate bool

	// FloatPredictor enables the floating-point predictor (TIFF predictor 3).
	FloatPredictor bool
}

// WriteGeoTIFF writes g as a little-endian float32 GeoTIFF.
func WriteGeoTIFF(w io.Writer, g *Grid, opts WriteOptions) error {
	h := g.Header
	if h.Cols <= 0 || h.Rows <= 0 || len(g.Values) != h.Cols*h.Rows {
		return fmt.Errorf("%w: grid is %dx%d with %d values", ErrMalformed, h.Cols, h.Rows, len(g.Values))
	}
	rps := opts.RowsPerStrip
	if rps <= 0 {
		rps = 16
	}
	rps = min(rps, h.Rows)

	bo := binary.LittleEndian
	var chunks [][]byte
	for r0 := 0; r0 < h.Rows; r0 += rps {
		r1 := min(r0+rps, h.Rows)
		buf := make([]byte, 0, (r1-r0)*h.Cols*4)
		for r := r0; r < r1; r++ {
			row := make([]byte, h.Cols*4)
			for c := 0; c < h.Cols; c++ {
				bits := math.Float32bits(float32(g.Values[r*h.Cols+c]))
				if opts.FloatPredictor {
					binary.BigEndian.PutUint32(row[c*4:], bits)
				} else {
					bo.PutUint32(row[c*4:], bits)
				}
			}
			if opts.FloatPredictor {
				applyFloatingPoint(row, 4)
			}
			buf = append(buf, row...)
		}
		if opts.Deflate {
			var z bytes.Buffer
			zw := zlib.NewWriter(&z)
			if _, err := zw.Write(buf); err != nil {
				return err
			}
			if err := zw.Close(); err != nil {
				return err
			}
			buf = z.Bytes()
		}
		chunks = append(chunks, buf)
	}

	compression := uint16(compressionNone)
	if opts.Deflate {
		compression = compressionDeflate
	}
	predictor := uint16(predictorNone)
	if opts.FloatPredictor {
		predictor = predictorFloatingPoint
	}

	b := &tiffBuilder{bo: bo, offsetsTag: tagStripOffsets, countsTag: tagStripByteCounts, chunks: chunks}
	b.add(tagImageWidth, typeLong, longs(bo, uint32(h.Cols)))
	b.add(tagImageLength, typeLong, longs(bo, uint32(h.Rows)))
	b.add(tagBitsPerSample, typeShort, shorts(bo, 32))
	b.add(tagCompression, typeShort, shorts(bo, compression))
	b.add(tagPhotometric, typeShort, shorts(bo, 1))
	b.add(tagSamplesPerPixel, typeShort, shorts(bo, 1))
	b.add(tagRowsPerStrip, typeLong, longs(bo, uint32(rps)))
	b.add(tagPlanarConfig, typeShort, shorts(bo, 1))
	if predictor != predictorNone {
		b.add(tagPredictor, typeShort, shorts(bo, predictor))
	}
	b.add(tagSampleFormat, typeShort, shorts(bo, sampleFormatFloat))
	b.add(tagModelPixelScale, typeDouble, doubles(bo, h.Transform.PixelWidth, -h.Transform.PixelHeight, 0))
	b.add(tagModelTiepoint, typeDouble, doubles(bo, 0, 0, 0, h.Transform.OriginX, h.Transform.OriginY, 0))
	if keys := geoKeyDirectory(h.CRS); keys != nil {
		b.add(tagGeoKeyDirectory, typeShort, shorts(bo, keys...))
	}
	if h.HasNoData {
		b.add(tagGDALNoData, typeASCII, asciiBytes(strconv.FormatFloat(h.NoData, 'g', -1, 64)))
	}
	return b.writeTo(w)
}

func geoKeyDirectory(id string) []uint16 {
	if id == crs.Unknown || !strings.HasPrefix(id, "EPSG:") && id != crs.CRS84 {
		return nil
	}
	code := 4326
	if id != crs.CRS84 {
		n, err := strconv.Atoi(strings.TrimPrefix(id, "EPSG:"))
		if err != nil {
			return nil
		}
		code = n
	}
	if crs.IsGeographic(id) {
		return []uint16{1, 1, 0, 3,
			geoKeyModelType, 0, 1, 2,
			geoKeyRasterType, 0, 1, 1,
			geoKeyGeographicType, 0, 1, uint16(code)}
	}
	return []uint16{1, 1, 0, 3,
		geoKeyModelType, 0, 1, 1,
		geoKeyRasterType, 0, 1, 1,
		geoKeyProjectedType, 0, 1, uint16(code)}
}

type tagEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// tiffBuilder lays out a single-IFD classic TIFF: header, IFD, out-of-line
// tag values, then chunk data.
type tiffBuilder struct {
	bo         binary.ByteOrder
	entries    []tagEntry
	chunks     [][]byte
	offsetsTag uint16
	countsTag  uint16
}

func (b *tiffBuilder) add(tag, typ uint16, data []byte) {
	b.entries = append(b.entries, tagEntry{tag: tag, typ: typ, count: uint32(len(data) / typeSize(typ)), data: data})
}

func (b *tiffBuilder) writeTo(w io.Writer) error {
	bo := b.bo
	counts := make([]uint32, len(b.chunks))
	for i, c := range b.chunks {
		counts[i] = uint32(len(c))
	}
	b.add(b.countsTag, typeLong, longs(bo, counts...))
	b.add(b.offsetsTag, typeLong, make([]byte, 4*len(b.chunks)))
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].tag < b.entries[j].tag })

	ifdSize := 2 + 12*len(b.entries) + 4
	off := uint32(8 + ifdSize)
	valueOffsets := make([]uint32, len(b.entries))
	for i, e := range b.entries {
		if len(e.data) > 4 {
			valueOffsets[i] = off
			off += uint32(len(e.data))
			off += off % 2
		}
	}

	dataOff := off
	offsets := make([]uint32, len(b.chunks))
	for i, c := range b.chunks {
		offsets[i] = dataOff
		dataOff += uint32(len(c))
	}
	for i := range b.entries {
		if b.entries[i].tag == b.offsetsTag {
			b.entries[i].data = longs(bo, offsets...)
		}
	}

	var buf bytes.Buffer
	if bo == binary.LittleEndian {
		buf.WriteString("II")
	} else {
		buf.WriteString("MM")
	}
	_ = binary.Write(&buf, bo, uint16(42))
	_ = binary.Write(&buf, bo, uint32(8))

	_ = binary.Write(&buf, bo, uint16(len(b.entries)))
	for i, e := range b.entries {
		_ = binary.Write(&buf, bo, e.tag)
		_ = binary.Write(&buf, bo, e.typ)
		_ = binary.Write(&buf, bo, e.count)
		if len(e.data) > 4 {
			_ = binary.Write(&buf, bo, valueOffsets[i])
			continue
		}
		var inline [4]byte
		copy(inline[:], e.data)
		buf.Write(inline[:])
	}
	_ = binary.Write(&buf, bo, uint32(0))

	for _, e := range b.entries {
		if len(e.data) > 4 {
			buf.Write(e.data)
			if buf.Len()%2 == 1 {
				buf.WriteByte(0)
			}
		}
	}
	for _, c := range b.chunks {
		buf.Write(c)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func shorts(bo binary.ByteOrder, v ...uint16) []byte {
	out := make([]byte, 2*len(v))
	for i, x := range v {
		bo.PutUint16(out[2*i:], x)
	}
	return out
}

func longs(bo binary.ByteOrder, v ...uint32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		bo.PutUint32(out[4*i:], x)
	}
	return out
}

func doubles(bo binary.ByteOrder, v ...float64) []byte {
	out := make([]byte, 8*len(v))
	for i, x := range v {
		bo.PutUint64(out[8*i:], math.Float64bits(x))
	}
	return out
}

func asciiBytes(s string) []byte {
	return append([]byte(s), 0)
}
