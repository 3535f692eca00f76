package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/3leaps/climgrid/pkg/climate"
)

// Grid is a materialized grid as recorded in the catalog.
type Grid struct {
	Key       climate.Key
	Path      string
	CRS       string
	CellSize  float64
	NoData    *float64
	Bytes     int64
	CreatedAt time.Time
}

// GridFromFile builds the catalog row for gf.
func GridFromFile(gf *climate.GridFile, bytes int64) Grid {
	g := Grid{Key: gf.Key, Path: gf.Path, CRS: gf.CRS, CellSize: gf.CellWidth, Bytes: bytes}
	if gf.HasNoData {
		nd := gf.NoData
		g.NoData = &nd
	}
	return g
}

// Filter narrows grid listings. Zero fields match everything.
type Filter struct {
	Variable   climate.Variable
	Unit       climate.Unit
	Resolution climate.Resolution

	// From and To bound the date inclusively.
	From time.Time
	To   time.Time

	Limit int
}

func (f Filter) apply(b sq.SelectBuilder, alias string) sq.SelectBuilder {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}
	if f.Variable != "" {
		b = b.Where(sq.Eq{col("variable"): string(f.Variable)})
	}
	if f.Unit != "" {
		b = b.Where(sq.Eq{col("unit"): string(f.Unit)})
	}
	if f.Resolution != "" {
		b = b.Where(sq.Eq{col("resolution"): string(f.Resolution)})
	}
	if !f.From.IsZero() {
		b = b.Where(sq.GtOrEq{col("date"): f.From.UTC().Format(dateLayout)})
	}
	if !f.To.IsZero() {
		b = b.Where(sq.LtOrEq{col("date"): f.To.UTC().Format(dateLayout)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	return b
}

func keyEq(k climate.Key, alias string) sq.Eq {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	return sq.Eq{
		p + "variable":   string(k.Variable),
		p + "unit":       string(k.Unit),
		p + "resolution": string(k.Resolution),
		p + "date":       k.Date.UTC().Format(dateLayout),
	}
}

var gridColumns = []string{"variable", "unit", "resolution", "date", "path", "crs", "cell_size", "nodata", "bytes", "created_at"}

// PutGrid records or replaces a grid.
func (c *Catalog) PutGrid(ctx context.Context, g Grid) error {
	var nodata any
	if g.NoData != nil {
		nodata = *g.NoData
	}
	b := sq.Insert("grids").
		Columns(gridColumns...).
		Values(string(g.Key.Variable), string(g.Key.Unit), string(g.Key.Resolution),
			g.Key.Date.UTC().Format(dateLayout), g.Path, g.CRS, g.CellSize, nodata, g.Bytes, c.now()).
		Suffix(`ON CONFLICT(variable, unit, resolution, date) DO UPDATE SET
			path = excluded.path,
			crs = excluded.crs,
			cell_size = excluded.cell_size,
			nodata = excluded.nodata,
			bytes = excluded.bytes`)
	_, err := c.exec(ctx, b, "put grid")
	return err
}

// GetGrid returns the grid for k or ErrNotFound.
func (c *Catalog) GetGrid(ctx context.Context, k climate.Key) (*Grid, error) {
	grids, err := c.selectGrids(ctx, sq.Select(gridColumns...).From("grids").Where(keyEq(k, "")), "get grid")
	if err != nil {
		return nil, err
	}
	if len(grids) == 0 {
		return nil, fmt.Errorf("%w: grid %s", ErrNotFound, k)
	}
	return &grids[0], nil
}

// ListGrids returns the grids matching f ordered by key.
func (c *Catalog) ListGrids(ctx context.Context, f Filter) ([]Grid, error) {
	b := f.apply(sq.Select(gridColumns...).From("grids"), "").
		OrderBy("variable", "unit", "resolution", "date")
	return c.selectGrids(ctx, b, "list grids")
}

// DeleteGrid removes the grid row for k and its written markers.
func (c *Catalog) DeleteGrid(ctx context.Context, k climate.Key) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"grids", "records_written"} {
		query, args, err := sq.Delete(table).Where(keyEq(k, "")).ToSql()
		if err != nil {
			return fmt.Errorf("build delete %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete grid: %w", err)
	}
	return nil
}

// MarkWritten records that the statistics derived from each grid key are in
// output.
func (c *Catalog) MarkWritten(ctx context.Context, keys []climate.Key, output string) error {
	if len(keys) == 0 {
		return nil
	}
	now := c.now()
	b := sq.Insert("records_written").
		Columns("variable", "unit", "resolution", "date", "output", "written_at")
	for _, k := range keys {
		b = b.Values(string(k.Variable), string(k.Unit), string(k.Resolution), k.Date.UTC().Format(dateLayout), output, now)
	}
	b = b.Suffix(`ON CONFLICT(variable, unit, resolution, date, output) DO UPDATE SET written_at = excluded.written_at`)
	_, err := c.exec(ctx, b, "mark written")
	return err
}

// Collectable returns the grids matching f whose records are confirmed
// written to at least one output.
func (c *Catalog) Collectable(ctx context.Context, f Filter) ([]Grid, error) {
	cols := make([]string, len(gridColumns))
	for i, col := range gridColumns {
		cols[i] = "g." + col
	}
	b := sq.Select(cols...).From("grids g").
		Where(`EXISTS (SELECT 1 FROM records_written w
			WHERE w.variable = g.variable AND w.unit = g.unit
			AND w.resolution = g.resolution AND w.date = g.date)`)
	b = f.apply(b, "g").OrderBy("g.variable", "g.unit", "g.resolution", "g.date")
	return c.selectGrids(ctx, b, "list collectable grids")
}

func (c *Catalog) selectGrids(ctx context.Context, b sq.SelectBuilder, op string) ([]Grid, error) {
	rows, err := c.query(ctx, b, op)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Grid
	for rows.Next() {
		var (
			g                   Grid
			variable, unit, res string
			date, created       string
			nodata              sql.NullFloat64
		)
		if err := rows.Scan(&variable, &unit, &res, &date, &g.Path, &g.CRS, &g.CellSize, &nodata, &g.Bytes, &created); err != nil {
			return nil, fmt.Errorf("scan grid: %w", err)
		}
		d, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("parse grid date %q: %w", date, err)
		}
		g.Key = climate.Key{
			Variable:   climate.Variable(variable),
			Unit:       climate.Unit(unit),
			Resolution: climate.Resolution(res),
			Date:       d,
		}
		if nodata.Valid {
			v := nodata.Float64
			g.NoData = &v
		}
		if g.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse grid created_at %q: %w", created, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
