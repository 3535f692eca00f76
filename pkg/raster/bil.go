package raster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3leaps/climgrid/pkg/crs"
)

// BIL is an open single-band ESRI band-interleaved-by-line raster.
type BIL struct {
	f      *os.File
	bo     binary.ByteOrder
	header Header

	bits     int
	format   int
	skip     int64
	rowBytes int64
}

var _ Dataset = (*BIL)(nil)

// OpenBIL opens path together with its .hdr sidecar. A .prj sidecar, when
// present, supplies the CRS.
func OpenBIL(path string) (*BIL, error) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	hdr, err := readHDR(base + ".hdr")
	if err != nil {
		return nil, err
	}
	b, err := newBIL(hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if prj, err := os.ReadFile(base + ".prj"); err == nil {
		if id, err := crs.FromWKT(string(prj)); err == nil {
			b.header.CRS = id
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if need := b.skip + b.rowBytes*int64(b.header.Rows); st.Size() < need {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes, header implies %d", ErrMalformed, path, st.Size(), need)
	}
	b.f = f
	return b, nil
}

// readHDR parses "KEY value" lines into upper-cased keys.
func readHDR(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		out[strings.ToUpper(fields[0])] = fields[1]
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func newBIL(hdr map[string]string) (*BIL, error) {
	num := func(key string, def float64) (float64, error) {
		s, ok := hdr[key]
		if !ok {
			return def, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: header %s=%q", ErrMalformed, key, s)
		}
		return v, nil
	}

	b := &BIL{bo: binary.LittleEndian, format: sampleFormatInt}
	if strings.HasPrefix(strings.ToUpper(hdr["BYTEORDER"]), "M") {
		b.bo = binary.BigEndian
	}
	switch strings.ToUpper(hdr["PIXELTYPE"]) {
	case "FLOAT":
		b.format = sampleFormatFloat
	case "UNSIGNEDINT":
		b.format = sampleFormatUint
	}
	if l := strings.ToUpper(hdr["LAYOUT"]); l != "" && l != "BIL" {
		return nil, fmt.Errorf("%w: layout %s", ErrUnsupportedFormat, l)
	}

	rows, err := num("NROWS", 0)
	if err != nil {
		return nil, err
	}
	cols, err := num("NCOLS", 0)
	if err != nil {
		return nil, err
	}
	bands, err := num("NBANDS", 1)
	if err != nil {
		return nil, err
	}
	bits, err := num("NBITS", 8)
	if err != nil {
		return nil, err
	}
	skip, err := num("SKIPBYTES", 0)
	if err != nil {
		return nil, err
	}
	xdim, err := num("XDIM", 1)
	if err != nil {
		return nil, err
	}
	ydim, err := num("YDIM", 1)
	if err != nil {
		return nil, err
	}
	ulx, err := num("ULXMAP", xdim/2)
	if err != nil {
		return nil, err
	}
	uly, err := num("ULYMAP", (rows-1)*ydim+ydim/2)
	if err != nil {
		return nil, err
	}

	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %vx%v cells", ErrMalformed, cols, rows)
	}
	if bands != 1 {
		return nil, fmt.Errorf("%w: %v bands", ErrUnsupportedFormat, bands)
	}
	b.bits = int(bits)
	switch {
	case b.format == sampleFormatFloat && b.bits != 32 && b.bits != 64:
		return nil, fmt.Errorf("%w: %d-bit float", ErrUnsupportedFormat, b.bits)
	case b.bits != 8 && b.bits != 16 && b.bits != 32 && b.bits != 64:
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, b.bits)
	}

	b.skip = int64(skip)
	b.rowBytes = int64(cols) * int64(b.bits/8)
	if rb, err := num("BANDROWBYTES", 0); err != nil {
		return nil, err
	} else if rb > 0 {
		b.rowBytes = int64(rb)
	}

	// ULXMAP/ULYMAP locate the center of the upper-left cell.
	b.header = Header{
		Cols: int(cols),
		Rows: int(rows),
		Transform: GeoTransform{
			OriginX:     ulx - xdim/2,
			OriginY:     uly + ydim/2,
			PixelWidth:  xdim,
			PixelHeight: -ydim,
		},
		Scale: 1,
	}
	if s, ok := hdr["NODATA"]; ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: header NODATA=%q", ErrMalformed, s)
		}
		b.header.NoData, b.header.HasNoData = v, true
	}
	return b, nil
}

// Header returns the raster's metadata.
func (b *BIL) Header() Header { return b.header }

// Close releases the file.
func (b *BIL) Close() error {
	if b.f == nil {
		return nil
	}
	return b.f.Close()
}

// ReadWindow reads the rows of w one at a time.
func (b *BIL) ReadWindow(w Window) (*Grid, error) {
	if err := checkWindow(b.header, w); err != nil {
		return nil, err
	}
	out := newGrid(b.header, w)
	bps := b.bits / 8
	buf := make([]byte, w.Cols*bps)
	for r := 0; r < w.Rows; r++ {
		off := b.skip + int64(w.Row+r)*b.rowBytes + int64(w.Col*bps)
		if _, err := b.f.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformed, w.Row+r, err)
		}
		for c := 0; c < w.Cols; c++ {
			v := decodeSample(buf[c*bps:(c+1)*bps], b.bo, b.bits, b.format)
			out.store(b.header, r*w.Cols+c, v)
		}
	}
	return out, nil
}
