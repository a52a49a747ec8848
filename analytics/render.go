package analytics

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// Render prints each report as a table. Failed reports print the error and
// empty ones print (no rows).
func Render(w io.Writer, tables []Table) {
	for _, t := range tables {
		fmt.Fprintf(w, "=== %s ===\n", t.Title)
		switch {
		case t.Err != nil:
			fmt.Fprintf(w, "(skipped: %v)\n\n", t.Err)
			continue
		case len(t.Rows) == 0:
			fmt.Fprint(w, "(no rows)\n\n")
			continue
		}

		table := tablewriter.NewWriter(w)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
		table.SetAlignment(tablewriter.ALIGN_RIGHT)
		table.SetBorder(true)
		table.SetHeader(t.Columns)
		table.AppendBulk(t.Rows)
		table.Render()
		fmt.Fprintln(w)
	}
}
