package main

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/saia-lab/saia/histostats"
)

// statsColumns are the columns of the statistics shown by the stats command
var statsColumns = []string{
	"Hist ID",
	"User variable",
	"Number of images processed",
	"Loading probability",
	"Error in Loading probability",
	"Background peak count",
	"Signal peak count",
	"Separation",
	"Fidelity",
	"S/N",
	"Threshold",
}

// statsHeaders are the short names of statsColumns
var statsHeaders = []string{"ID", "Var", "Images", "Loading", "±", "Bg", "Signal", "Sep", "Fidelity", "S/N", "Threshold"}

func renderStats(rows []histostats.Row) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault

	header := make(table.Row, len(statsHeaders))
	for i, h := range statsHeaders {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, r := range rows {
		tr := make(table.Row, len(statsColumns))
		for i, col := range statsColumns {
			f, err := r.Float(col)
			if err != nil {
				tr[i] = ""
				continue
			}
			tr[i] = strconv.FormatFloat(f, 'g', 6, 64)
		}
		tw.AppendRow(tr)
	}

	configs := make([]table.ColumnConfig, len(statsColumns))
	for i := range configs {
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		}
	}
	tw.SetColumnConfigs(configs)
	tw.SetCaption("%d histograms", len(rows))
	return tw.Render()
}
