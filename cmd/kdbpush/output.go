package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal"
	"github.com/olekukonko/tablewriter"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetColWidth(24)
	table.SetAutoWrapText(false)
	table.SetRowLine(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(header)
	return table
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeList(w io.Writer, format, header string, names []string) error {
	if format == "json" {
		return writeJSON(w, names)
	}
	table := newTable(w, header)
	for _, n := range names {
		table.Append([]string{n})
	}
	table.Render()
	return nil
}

func writeColumns(w io.Writer, format string, columns []kdbpush.ColumnHandle, meta []kdbpush.ColumnMetadata) error {
	if format == "json" {
		type column struct {
			kdbpush.ColumnHandle
			Relational string `json:"relational"`
			Nullable   bool   `json:"nullable"`
		}
		out := make([]column, len(columns))
		for i, c := range columns {
			out[i] = column{ColumnHandle: c, Relational: meta[i].Type.String(), Nullable: meta[i].Nullable}
		}
		return writeJSON(w, out)
	}
	table := newTable(w, "column", "native", "type", "relational", "attribute", "partition", "nullable")
	for i, c := range columns {
		table.Append([]string{
			c.Name,
			c.NativeName,
			c.Type.String(),
			meta[i].Type.String(),
			string(c.Attribute),
			strconv.FormatBool(c.Partition),
			strconv.FormatBool(meta[i].Nullable),
		})
	}
	table.Render()
	return nil
}

func writePage(w io.Writer, format string, page *kdbpush.Page) error {
	if format == "json" {
		rows := make([]map[string]any, page.RowCount())
		for i := range rows {
			row := make(map[string]any, len(page.Columns))
			for c, name := range page.Columns {
				row[name] = page.Values[c][i]
			}
			rows[i] = row
		}
		return writeJSON(w, rows)
	}
	table := newTable(w, page.Columns...)
	for i := 0; i < page.RowCount(); i++ {
		row := make([]string, len(page.Columns))
		for c := range page.Columns {
			row[c] = kdbpush.FormatValue(page.Values[c][i])
		}
		table.Append(row)
	}
	table.SetFooter(footer(len(page.Columns), fmt.Sprintf("%d rows", page.RowCount())))
	table.Render()
	return nil
}

// footer puts text in the last of n cells.
func footer(n int, text string) []string {
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	out[n-1] = text
	return out
}

func writePlan(w io.Writer, format string, plan *internal.ScanPlan) error {
	if format == "json" {
		return writeJSON(w, plan)
	}
	table := newTable(w, "property", "value")
	table.AppendBulk([][]string{
		{"table", plan.Table},
		{"filter pushed", strconv.FormatBool(plan.FilterPushed)},
		{"residual filter", strconv.FormatBool(plan.ResidualFilter)},
		{"aggregate pushed", strconv.FormatBool(plan.AggregatePushed)},
		{"local aggregate", strconv.FormatBool(plan.LocalAggregate)},
		{"limit pushed", strconv.FormatBool(plan.LimitPushed)},
		{"limit guaranteed", strconv.FormatBool(plan.LimitGuaranteed)},
		{"splits", strconv.Itoa(plan.Splits)},
	})
	for i, q := range plan.Queries {
		if q == "" {
			q = "(not sent)"
		}
		table.Append([]string{fmt.Sprintf("split %d", i), q})
	}
	table.Render()
	return nil
}

func writeStatistics(w io.Writer, format string, stats kdbpush.Statistics) error {
	if format == "json" {
		return writeJSON(w, stats)
	}
	table := newTable(w, "column", "rows", "distinct", "nulls", "size", "min", "max")
	table.Append([]string{"(table)", estimate(stats.RowCount), "", "", "", "", ""})
	names := make([]string, 0, len(stats.Columns))
	for n := range stats.Columns {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		cs := stats.Columns[n]
		lo, hi := "", ""
		if cs.Range != nil {
			lo, hi = kdbpush.FormatValue(cs.Range.Min), kdbpush.FormatValue(cs.Range.Max)
		}
		table.Append([]string{n, "", estimate(cs.DistinctValues), estimate(cs.NullsFraction), estimate(cs.DataSize), lo, hi})
	}
	table.Render()
	return nil
}

func estimate(e kdbpush.Estimate) string {
	if !e.Known {
		return "?"
	}
	return strconv.FormatFloat(e.Value, 'g', 6, 64)
}
