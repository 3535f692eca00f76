package raster

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// TIFF tags read or written by this package.
const (
	tagImageWidth        = 256
	tagImageLength       = 257
	tagBitsPerSample     = 258
	tagCompression       = 259
	tagPhotometric       = 262
	tagStripOffsets      = 273
	tagSamplesPerPixel   = 277
	tagRowsPerStrip      = 278
	tagStripByteCounts   = 279
	tagPlanarConfig      = 284
	tagPredictor         = 317
	tagTileWidth         = 322
	tagTileLength        = 323
	tagTileOffsets       = 324
	tagTileByteCounts    = 325
	tagSampleFormat      = 339
	tagModelPixelScale   = 33550
	tagModelTiepoint     = 33922
	tagModelTransform    = 34264
	tagGeoKeyDirectory   = 34735
	tagGDALMetadata      = 42112
	tagGDALNoData        = 42113
	geoKeyModelType      = 1024
	geoKeyRasterType     = 1025
	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072
	geoKeyUserDefined    = 32767
	rasterPixelIsPoint   = 2
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeLong8     = 16
)

// Compression schemes.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatFloat      = 3
)

// maxTagBytes bounds out-of-line tag payloads.
const maxTagBytes = 64 << 20

func typeSize(typ uint16) int {
	switch typ {
	case typeByte, typeASCII, typeSByte, typeUndefined:
		return 1
	case typeShort, typeSShort:
		return 2
	case typeLong, typeSLong, typeFloat:
		return 4
	case typeRational, typeSRational, typeDouble, typeLong8:
		return 8
	}
	return 0
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	raw   []byte
}

func readIFD(r io.ReaderAt, bo binary.ByteOrder, offset int64) (map[uint16]ifdEntry, error) {
	var nbuf [2]byte
	if _, err := r.ReadAt(nbuf[:], offset); err != nil {
		return nil, fmt.Errorf("%w: read ifd: %v", ErrMalformed, err)
	}
	n := int(bo.Uint16(nbuf[:]))
	buf := make([]byte, n*12)
	if _, err := r.ReadAt(buf, offset+2); err != nil {
		return nil, fmt.Errorf("%w: read ifd entries: %v", ErrMalformed, err)
	}

	entries := make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		e := buf[i*12 : (i+1)*12]
		entry := ifdEntry{
			tag:   bo.Uint16(e[0:2]),
			typ:   bo.Uint16(e[2:4]),
			count: bo.Uint32(e[4:8]),
		}
		size := typeSize(entry.typ)
		if size == 0 {
			continue
		}
		total := int64(size) * int64(entry.count)
		if total > maxTagBytes {
			return nil, fmt.Errorf("%w: tag %d payload too large", ErrMalformed, entry.tag)
		}
		if total <= 4 {
			entry.raw = append([]byte(nil), e[8:8+total]...)
		} else {
			entry.raw = make([]byte, total)
			if _, err := r.ReadAt(entry.raw, int64(bo.Uint32(e[8:12]))); err != nil {
				return nil, fmt.Errorf("%w: read tag %d: %v", ErrMalformed, entry.tag, err)
			}
		}
		entries[entry.tag] = entry
	}
	return entries, nil
}

func (e ifdEntry) uints(bo binary.ByteOrder) []uint64 {
	size := typeSize(e.typ)
	out := make([]uint64, 0, e.count)
	for i := 0; i+size <= len(e.raw); i += size {
		switch e.typ {
		case typeByte, typeUndefined:
			out = append(out, uint64(e.raw[i]))
		case typeShort:
			out = append(out, uint64(bo.Uint16(e.raw[i:])))
		case typeLong:
			out = append(out, uint64(bo.Uint32(e.raw[i:])))
		case typeLong8:
			out = append(out, bo.Uint64(e.raw[i:]))
		default:
			return out
		}
	}
	return out
}

func (e ifdEntry) floats(bo binary.ByteOrder) []float64 {
	size := typeSize(e.typ)
	out := make([]float64, 0, e.count)
	for i := 0; i+size <= len(e.raw); i += size {
		switch e.typ {
		case typeDouble:
			out = append(out, math.Float64frombits(bo.Uint64(e.raw[i:])))
		case typeFloat:
			out = append(out, float64(math.Float32frombits(bo.Uint32(e.raw[i:]))))
		default:
			for _, u := range e.uints(bo) {
				out = append(out, float64(u))
			}
			return out
		}
	}
	return out
}

func (e ifdEntry) ascii() string {
	return strings.TrimRight(string(e.raw), "\x00 ")
}

func firstUint(entries map[uint16]ifdEntry, bo binary.ByteOrder, tag uint16, def uint64) uint64 {
	e, ok := entries[tag]
	if !ok {
		return def
	}
	v := e.uints(bo)
	if len(v) == 0 {
		return def
	}
	return v[0]
}

// decodeSample reads one stored sample at b.
func decodeSample(b []byte, bo binary.ByteOrder, bits, format int) float64 {
	switch format {
	case sampleFormatFloat:
		if bits == 64 {
			return math.Float64frombits(bo.Uint64(b))
		}
		return float64(math.Float32frombits(bo.Uint32(b)))
	case sampleFormatInt:
		switch bits {
		case 8:
			return float64(int8(b[0]))
		case 16:
			return float64(int16(bo.Uint16(b)))
		case 32:
			return float64(int32(bo.Uint32(b)))
		default:
			return float64(int64(bo.Uint64(b)))
		}
	default:
		switch bits {
		case 8:
			return float64(b[0])
		case 16:
			return float64(bo.Uint16(b))
		case 32:
			return float64(bo.Uint32(b))
		default:
			return float64(bo.Uint64(b))
		}
	}
}

// undoHorizontal reverses predictor 2 on one row of samples in place.
func undoHorizontal(row []byte, bo binary.ByteOrder, bytesPerSample int) {
	n := len(row) / bytesPerSample
	for i := 1; i < n; i++ {
		cur := row[i*bytesPerSample:]
		prev := row[(i-1)*bytesPerSample:]
		switch bytesPerSample {
		case 1:
			cur[0] += prev[0]
		case 2:
			bo.PutUint16(cur, bo.Uint16(cur)+bo.Uint16(prev))
		case 4:
			bo.PutUint32(cur, bo.Uint32(cur)+bo.Uint32(prev))
		case 8:
			bo.PutUint64(cur, bo.Uint64(cur)+bo.Uint64(prev))
		}
	}
}

// undoFloatingPoint reverses predictor 3 on one row. The predictor stores
// byte planes most significant first, so the result is big-endian
// regardless of the file's byte order.
func undoFloatingPoint(row []byte, bytesPerSample int) {
	for i := 1; i < len(row); i++ {
		row[i] += row[i-1]
	}
	width := len(row) / bytesPerSample
	tmp := make([]byte, len(row))
	copy(tmp, row)
	for i := 0; i < width; i++ {
		for b := 0; b < bytesPerSample; b++ {
			row[i*bytesPerSample+b] = tmp[b*width+i]
		}
	}
}

// applyFloatingPoint is the inverse of undoFloatingPoint for big-endian samples.
func applyFloatingPoint(row []byte, bytesPerSample int) {
	width := len(row) / bytesPerSample
	tmp := make([]byte, len(row))
	for i := 0; i < width; i++ {
		for b := 0; b < bytesPerSample; b++ {
			tmp[b*width+i] = row[i*bytesPerSample+b]
		}
	}
	for i := len(tmp) - 1; i > 0; i-- {
		tmp[i] -= tmp[i-1]
	}
	copy(row, tmp)
}
