package raster

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"

	"github.com/3leaps/climgrid/pkg/crs"
)

// GeoTIFF is an open single-band GeoTIFF.
type GeoTIFF struct {
	f      *os.File
	bo     binary.ByteOrder
	header Header

	bits        int
	format      int
	compression int
	predictor   int

	// Chunk layout: strips are tiles as wide as the image.
	chunkW   int
	chunkH   int
	across   int
	offsets  []uint64
	counts   []uint64
	isTiled  bool
	chunkBuf map[int][]byte
}

var _ Dataset = (*GeoTIFF)(nil)

// OpenGeoTIFF opens path and parses its first image directory.
func OpenGeoTIFF(path string) (*GeoTIFF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	g, err := parseGeoTIFF(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	g.f = f
	return g, nil
}

func parseGeoTIFF(r io.ReaderAt) (*GeoTIFF, error) {
	var head [8]byte
	if _, err := r.ReadAt(head[:], 0); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	var bo binary.ByteOrder
	switch string(head[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: not a tiff", ErrMalformed)
	}
	switch bo.Uint16(head[2:4]) {
	case 42:
	case 43:
		return nil, fmt.Errorf("%w: bigtiff", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	tags, err := readIFD(r, bo, int64(bo.Uint32(head[4:8])))
	if err != nil {
		return nil, err
	}

	g := &GeoTIFF{
		bo:          bo,
		bits:        int(firstUint(tags, bo, tagBitsPerSample, 1)),
		format:      int(firstUint(tags, bo, tagSampleFormat, sampleFormatUint)),
		compression: int(firstUint(tags, bo, tagCompression, compressionNone)),
		predictor:   int(firstUint(tags, bo, tagPredictor, predictorNone)),
		chunkBuf:    make(map[int][]byte),
	}
	g.header.Cols = int(firstUint(tags, bo, tagImageWidth, 0))
	g.header.Rows = int(firstUint(tags, bo, tagImageLength, 0))
	if g.header.Cols <= 0 || g.header.Rows <= 0 {
		return nil, fmt.Errorf("%w: missing dimensions", ErrMalformed)
	}
	if spp := firstUint(tags, bo, tagSamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel", ErrUnsupportedFormat, spp)
	}
	switch g.bits {
	case 8, 16, 32, 64:
	default:
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, g.bits)
	}
	if g.format == sampleFormatFloat && g.bits != 32 && g.bits != 64 {
		return nil, fmt.Errorf("%w: %d-bit float", ErrUnsupportedFormat, g.bits)
	}
	switch g.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupportedFormat, g.compression)
	}

	if err := g.parseLayout(tags); err != nil {
		return nil, err
	}
	if err := g.parseGeo(tags); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *GeoTIFF) parseLayout(tags map[uint16]ifdEntry) error {
	bo := g.bo
	if off, ok := tags[tagTileOffsets]; ok {
		g.isTiled = true
		g.chunkW = int(firstUint(tags, bo, tagTileWidth, 0))
		g.chunkH = int(firstUint(tags, bo, tagTileLength, 0))
		g.offsets = off.uints(bo)
		g.counts = tags[tagTileByteCounts].uints(bo)
	} else {
		g.chunkW = g.header.Cols
		g.chunkH = int(firstUint(tags, bo, tagRowsPerStrip, uint64(g.header.Rows)))
		if g.chunkH > g.header.Rows || g.chunkH <= 0 {
			g.chunkH = g.header.Rows
		}
		g.offsets = tags[tagStripOffsets].uints(bo)
		g.counts = tags[tagStripByteCounts].uints(bo)
	}
	if g.chunkW <= 0 || g.chunkH <= 0 {
		return fmt.Errorf("%w: bad chunk size", ErrMalformed)
	}
	g.across = (g.header.Cols + g.chunkW - 1) / g.chunkW
	down := (g.header.Rows + g.chunkH - 1) / g.chunkH
	if len(g.offsets) < g.across*down || len(g.counts) < len(g.offsets) {
		return fmt.Errorf("%w: %d chunk offsets for %d chunks", ErrMalformed, len(g.offsets), g.across*down)
	}
	return nil
}

func (g *GeoTIFF) parseGeo(tags map[uint16]ifdEntry) error {
	bo := g.bo
	t := GeoTransform{PixelWidth: 1, PixelHeight: 1}

	scale := floatsOf(tags, bo, tagModelPixelScale)
	tie := floatsOf(tags, bo, tagModelTiepoint)
	switch {
	case len(scale) >= 2 && len(tie) >= 6:
		t.PixelWidth = scale[0]
		t.PixelHeight = -scale[1]
		t.OriginX = tie[3] - tie[0]*t.PixelWidth
		t.OriginY = tie[4] - tie[1]*t.PixelHeight
	default:
		if m := floatsOf(tags, bo, tagModelTransform); len(m) >= 16 {
			if m[1] != 0 || m[4] != 0 {
				return fmt.Errorf("%w: rotated model transformation", ErrUnsupportedFormat)
			}
			t = GeoTransform{OriginX: m[3], OriginY: m[7], PixelWidth: m[0], PixelHeight: m[5]}
		}
	}

	keys := geoKeys(tags, bo)
	if keys[geoKeyRasterType] == rasterPixelIsPoint {
		t.OriginX -= t.PixelWidth / 2
		t.OriginY -= t.PixelHeight / 2
	}
	g.header.Transform = t

	for _, k := range []uint16{geoKeyProjectedType, geoKeyGeographicType} {
		if code, ok := keys[k]; ok && code != 0 && code != geoKeyUserDefined {
			g.header.CRS = crs.FromEPSG(int(code))
			break
		}
	}

	if e, ok := tags[tagGDALNoData]; ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(e.ascii()), 64)
		if err == nil {
			g.header.NoData = v
			g.header.HasNoData = true
		}
	}

	g.header.Scale = 1
	if e, ok := tags[tagGDALMetadata]; ok {
		g.header.Scale, g.header.Offset = parseGDALMetadata(e.ascii())
	}
	return nil
}

func floatsOf(tags map[uint16]ifdEntry, bo binary.ByteOrder, tag uint16) []float64 {
	e, ok := tags[tag]
	if !ok {
		return nil
	}
	return e.floats(bo)
}

// geoKeys flattens the GeoKeyDirectory's inline SHORT values.
func geoKeys(tags map[uint16]ifdEntry, bo binary.ByteOrder) map[uint16]uint64 {
	out := make(map[uint16]uint64)
	e, ok := tags[tagGeoKeyDirectory]
	if !ok {
		return out
	}
	v := e.uints(bo)
	if len(v) < 4 {
		return out
	}
	n := int(v[3])
	for i := 0; i < n && 4+i*4+3 < len(v); i++ {
		entry := v[4+i*4 : 4+i*4+4]
		if entry[1] != 0 {
			continue
		}
		out[uint16(entry[0])] = entry[3]
	}
	return out
}

type gdalMetadata struct {
	Items []struct {
		Name  string `xml:"name,attr"`
		Role  string `xml:"role,attr"`
		Value string `xml:",chardata"`
	} `xml:"Item"`
}

// parseGDALMetadata extracts band scale and offset.
func parseGDALMetadata(doc string) (scale, offset float64) {
	scale = 1
	var md gdalMetadata
	if err := xml.Unmarshal([]byte(doc), &md); err != nil {
		return scale, offset
	}
	for _, it := range md.Items {
		v, err := strconv.ParseFloat(strings.TrimSpace(it.Value), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(it.Role + it.Name) {
		case "scalescale", "scale":
			if v != 0 {
				scale = v
			}
		case "offsetoffset", "offset":
			offset = v
		}
	}
	return scale, offset
}

// Header returns the raster's metadata.
func (g *GeoTIFF) Header() Header { return g.header }

// Close releases the file.
func (g *GeoTIFF) Close() error {
	if g.f == nil {
		return nil
	}
	return g.f.Close()
}

// ReadWindow decodes only the chunks that intersect w.
func (g *GeoTIFF) ReadWindow(w Window) (*Grid, error) {
	if err := checkWindow(g.header, w); err != nil {
		return nil, err
	}
	out := newGrid(g.header, w)
	bps := g.bits / 8

	cx0, cx1 := w.Col/g.chunkW, (w.Col+w.Cols-1)/g.chunkW
	cy0, cy1 := w.Row/g.chunkH, (w.Row+w.Rows-1)/g.chunkH
	for cy := cy0; cy <= cy1; cy++ {
		for cx := cx0; cx <= cx1; cx++ {
			idx := cy*g.across + cx
			data, order, err := g.chunk(idx, cy)
			if err != nil {
				return nil, err
			}
			colStart, rowStart := cx*g.chunkW, cy*g.chunkH
			c0, c1 := max(colStart, w.Col), min(colStart+g.chunkW, w.Col+w.Cols)
			r0, r1 := max(rowStart, w.Row), min(rowStart+g.chunkH, w.Row+w.Rows)
			for r := r0; r < r1; r++ {
				for c := c0; c < c1; c++ {
					at := ((r-rowStart)*g.chunkW + (c - colStart)) * bps
					if at+bps > len(data) {
						return nil, fmt.Errorf("%w: chunk %d truncated", ErrMalformed, idx)
					}
					v := decodeSample(data[at:at+bps], order, g.bits, g.format)
					out.store(g.header, (r-w.Row)*w.Cols+(c-w.Col), v)
				}
			}
		}
	}
	return out, nil
}

// chunkRows is the number of decoded rows in chunk row cy.
func (g *GeoTIFF) chunkRows(cy int) int {
	if g.isTiled {
		return g.chunkH
	}
	return min(g.chunkH, g.header.Rows-cy*g.chunkH)
}

// chunk returns decoded bytes for a strip or tile and the byte order of the
// decoded samples.
func (g *GeoTIFF) chunk(idx, cy int) ([]byte, binary.ByteOrder, error) {
	order := g.bo
	if g.predictor == predictorFloatingPoint {
		order = binary.BigEndian
	}
	if data, ok := g.chunkBuf[idx]; ok {
		return data, order, nil
	}

	raw := make([]byte, g.counts[idx])
	if _, err := g.f.ReadAt(raw, int64(g.offsets[idx])); err != nil {
		return nil, nil, fmt.Errorf("%w: read chunk %d: %v", ErrMalformed, idx, err)
	}

	bps := g.bits / 8
	rowBytes := g.chunkW * bps
	want := rowBytes * g.chunkRows(cy)

	var data []byte
	switch g.compression {
	case compressionNone:
		data = raw
	case compressionLZW:
		rd := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		data = make([]byte, want)
		_, err := io.ReadFull(rd, data)
		_ = rd.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: lzw chunk %d: %v", ErrMalformed, idx, err)
		}
	case compressionDeflate, compressionDeflateOld:
		rd, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: deflate chunk %d: %v", ErrMalformed, idx, err)
		}
		data = make([]byte, want)
		_, err = io.ReadFull(rd, data)
		_ = rd.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: deflate chunk %d: %v", ErrMalformed, idx, err)
		}
	}
	if len(data) < want {
		return nil, nil, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrMalformed, idx, len(data), want)
	}
	data = data[:want]

	switch g.predictor {
	case predictorHorizontal:
		for off := 0; off+rowBytes <= len(data); off += rowBytes {
			undoHorizontal(data[off:off+rowBytes], g.bo, bps)
		}
	case predictorFloatingPoint:
		for off := 0; off+rowBytes <= len(data); off += rowBytes {
			undoFloatingPoint(data[off:off+rowBytes], bps)
		}
	}

	// Windows are small relative to the grid; keep only the last chunk row.
	if len(g.chunkBuf) > g.across {
		g.chunkBuf = make(map[int][]byte)
	}
	g.chunkBuf[idx] = data
	return data, order, nil
}
