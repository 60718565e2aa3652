package table

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/florinutz/icetable/internal/safegoroutine"
	"github.com/florinutz/icetable/manifest"
	"github.com/florinutz/icetable/metrics"
	"github.com/florinutz/icetable/objstore"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

type partitionGroup struct {
	values partition.Values
	rows   []schema.Record
}

// WriteDataFiles normalizes records against the current schema, splits
// them by partition under the default spec and writes one data file per
// partition. The files are not part of the table until a commit adds them;
// abandoning them is safe.
func (t *Table) WriteDataFiles(ctx context.Context, records []schema.Record) ([]manifest.DataFile, error) {
	sc := t.Schema()
	spec := t.Spec()

	groups := make(map[string]*partitionGroup)
	var order []string
	for i, rec := range records {
		norm, err := sc.Normalize(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		vals, err := spec.Partition(sc, norm)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		key := spec.Key(vals)
		g, ok := groups[key]
		if !ok {
			g = &partitionGroup{values: vals}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, norm)
	}

	files := make([]manifest.DataFile, len(order))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for i, key := range order {
		g := groups[key]
		safegoroutine.Go(eg, t.logger, "write-data-file", func() error {
			df, err := t.writeDataFile(ectx, sc, spec, g)
			if err != nil {
				return err
			}
			files[i] = df
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(files, func(a, b manifest.DataFile) int { return strings.Compare(a.Path, b.Path) })
	return files, nil
}

func (t *Table) writeDataFile(ctx context.Context, sc *schema.Schema, spec *partition.Spec, g *partitionGroup) (manifest.DataFile, error) {
	data, stats, err := t.codec.Encode(sc, g.rows)
	if err != nil {
		return manifest.DataFile{}, fmt.Errorf("encode data file: %w", err)
	}

	key := objstore.Join(t.meta.Location, "data", spec.Path(g.values), uuid.NewString()+t.codec.Extension())
	if err := objstore.PutIfAbsent(ctx, t.store, key, data); err != nil {
		return manifest.DataFile{}, fmt.Errorf("write data file %s: %w", key, err)
	}
	metrics.DataFilesWritten.Inc()
	metrics.DataBytesWritten.Add(float64(len(data)))
	metrics.RecordsWritten.Add(float64(len(g.rows)))

	lower, err := encodeBounds(sc, stats.LowerBounds)
	if err != nil {
		return manifest.DataFile{}, err
	}
	upper, err := encodeBounds(sc, stats.UpperBounds)
	if err != nil {
		return manifest.DataFile{}, err
	}
	return manifest.DataFile{
		Path:            key,
		Format:          t.codec.Format(),
		SpecID:          spec.ID,
		Partition:       g.values,
		RecordCount:     stats.RecordCount,
		FileSizeBytes:   int64(len(data)),
		ColumnSizes:     stats.ColumnSizes,
		ValueCounts:     stats.ValueCounts,
		NullValueCounts: stats.NullValueCounts,
		LowerBounds:     lower,
		UpperBounds:     upper,
	}, nil
}

func encodeBounds(sc *schema.Schema, bounds map[int]any) (map[int][]byte, error) {
	out := make(map[int][]byte, len(bounds))
	for id, v := range bounds {
		c, ok := sc.ColumnByID(id)
		if !ok {
			continue
		}
		pt, ok := c.Type.(schema.PrimitiveType)
		if !ok {
			continue
		}
		b, err := schema.EncodeValue(pt, v)
		if err != nil {
			return nil, fmt.Errorf("encode bound of column %s: %w", c.Name, err)
		}
		out[id] = b
	}
	return out, nil
}
