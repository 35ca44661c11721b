package record

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/edgestack/edgestack/pkg/types"
)

// WriteCSV writes a header row followed by one row per record, in Columns
// order. Nil statistics are written as empty cells.
func WriteCSV(w io.Writer, records []types.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("record: write header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(Row(r)); err != nil {
			return fmt.Errorf("record: write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row renders r as CSV cells in Columns order.
func Row(r types.Record) []string {
	return []string{
		r.ID,
		r.Name,
		r.GovernanceType,
		r.OwnershipType,
		strconv.Itoa(r.StatusYear),
		r.Classification,
		formatFloat(r.Area),
		formatFloat(r.HumanModificationIndex),
		r.Biome,
		strconv.Itoa(r.Year),
		r.BandName,
		formatOptional(r.BoundaryMean),
		formatOptional(r.BoundaryStdDev),
		strconv.FormatInt(r.BoundaryCount, 10),
		formatOptional(r.BufferMean),
		formatOptional(r.BufferStdDev),
		strconv.FormatInt(r.BufferCount, 10),
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

// Rows reads a CSV table with a header and calls fn with each data row
// re-ordered to Columns. Columns the table lacks are left empty; extra
// columns (such as export bookkeeping fields) are dropped.
func Rows(r io.Reader, fn func(row []string) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record: read header: %w", err)
	}
	index := make([]int, len(Columns))
	for i, col := range Columns {
		index[i] = -1
		for j, h := range header {
			if h == col {
				index[i] = j
				break
			}
		}
	}

	for {
		src, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record: read row: %w", err)
		}
		row := make([]string, len(Columns))
		for i, j := range index {
			if j >= 0 && j < len(src) {
				row[i] = src[j]
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}
