package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/circuit-geo/internal/export"
	"github.com/sells-group/circuit-geo/internal/mapping"
	"github.com/sells-group/circuit-geo/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the circuit mapping cache",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("cache")
	},
}

// -- cache stats --

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count manual, automatic, absent and malformed entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := mapping.Load(cfg.Paths.MappingsFile)
		if err != nil {
			return eris.Wrap(err, "cache stats")
		}
		formatCacheStats(os.Stdout, c.Path(), c.Stats(), c.Quarantined())
		return nil
	},
}

// -- cache todo --

var cacheTodoCmd = &cobra.Command{
	Use:   "todo",
	Short: "List circuits waiting for a manual mapping",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := mapping.Load(cfg.Paths.MappingsFile)
		if err != nil {
			return eris.Wrap(err, "cache todo")
		}
		rows := todoRows(c.Snapshot())
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to do.")
			return nil
		}
		formatTodo(os.Stdout, rows)
		return nil
	},
}

// -- cache export --

var cacheExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the cache as csv, xlsx or json",
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		format, err := export.ParseFormat(formatName)
		if err != nil {
			return err
		}

		c, err := mapping.Load(cfg.Paths.MappingsFile)
		if err != nil {
			return eris.Wrap(err, "cache export")
		}
		rows := export.Rows(c.Snapshot())

		if out == "" || out == "-" {
			if format == export.FormatXLSX {
				return eris.New("cache export: xlsx needs --out")
			}
			return export.Write(os.Stdout, format, rows)
		}
		if err := export.WriteFile(out, format, rows); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d entries to %s\n", len(rows), out)
		return nil
	},
}

func init() {
	cacheExportCmd.Flags().String("format", "csv", "export format (csv, xlsx, json)")
	cacheExportCmd.Flags().String("out", "", "output file (default stdout)")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheTodoCmd)
	cacheCmd.AddCommand(cacheExportCmd)
	rootCmd.AddCommand(cacheCmd)
}

func formatCacheStats(out io.Writer, path string, s mapping.Stats, quarantined map[string]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "File:\t%s\n", path)
	_, _ = fmt.Fprintf(w, "Manual:\t%d\n", s.Manual)
	_, _ = fmt.Fprintf(w, "Automatic:\t%d\n", s.Auto)
	_, _ = fmt.Fprintf(w, "Absent:\t%d\n", s.Absent)
	_, _ = fmt.Fprintf(w, "Malformed:\t%d\n", s.Quarantined)

	names := make([]string, 0, len(quarantined))
	for name := range quarantined {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %s:\t%s\n", name, quarantined[name])
	}
	_ = w.Flush()
}

func todoRows(snapshot map[string]model.CacheEntry) []export.Row {
	var rows []export.Row
	for _, r := range export.Rows(snapshot) {
		if export.Status(r.Entry) == "todo" {
			rows = append(rows, r)
		}
	}
	return rows
}

func formatTodo(out io.Writer, rows []export.Row) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CIRCUIT\tWIKIDATA\tCOMMENT")
	_, _ = fmt.Fprintln(w, "-------\t--------\t-------")
	for _, r := range rows {
		qid := r.Entry.WikidataID
		if qid == "" {
			qid = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, qid, r.Entry.Comment)
	}
	_ = w.Flush()
}
