package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/library"
)

func newImportCommand(ctx *commandContext) *cobra.Command {
	var source string
	var client string
	var typeNames []string
	var chunk int

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a JSON array of items as one library transaction",
		Long:  "Import reads a JSON array of items (\"-\" for stdin) and reconciles it against the store.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			types, err := parseTypes(typeNames)
			if err != nil {
				return err
			}
			if chunk <= 0 {
				chunk = cfg.Import.Chunk
			}

			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			items, failed, err := entity.DecodeManyFor(source, data)
			if err != nil {
				return err
			}
			for _, i := range sortedIndexes(failed) {
				ctx.logger.Warn("skipped undecodable item", "index", i, "error", failed[i])
			}

			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			notifier, err := ctx.ensureNotifier()
			if err != nil {
				return err
			}
			summary, err := library.Import(cmd.Context(), engine, notifier, library.ImportRequest{
				Client: client,
				Source: source,
				Types:  types,
				Items:  items,
				Chunk:  chunk,
			}, library.WithLogger(ctx.logger))
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, summary)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary))
			if len(failed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped %d undecodable items\n", len(failed))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source the items come from (required)")
	cmd.Flags().StringVar(&client, "client", "cli", "Client name reported in notifications")
	cmd.Flags().StringSliceVarP(&typeNames, "types", "t", nil, "Entity types to process (default: all)")
	cmd.Flags().IntVar(&chunk, "chunk", 0, "Items added between cancellation checks (default: import.chunk)")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func parseTypes(names []string) ([]entity.Type, error) {
	types := make([]entity.Type, 0, len(names))
	for _, name := range names {
		t, err := entity.ParseType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func sortedIndexes(m map[int]error) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func renderSummary(summary library.Summary) string {
	headers := []string{"Type", "Created", "Updated", "Matched", "Failed", "Ignored"}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight}
	var rows [][]string
	for _, t := range entity.Types() {
		ts, ok := summary[t]
		if !ok {
			continue
		}
		rows = append(rows, summaryRow(string(t), *ts))
	}
	rows = append(rows, summaryRow("total", summary.Total()))
	return renderTable(headers, rows, aligns)
}

func summaryRow(label string, ts library.TypeSummary) []string {
	return []string{
		label,
		strconv.Itoa(ts.Created),
		strconv.Itoa(ts.Updated),
		strconv.Itoa(ts.Matched),
		strconv.Itoa(ts.Failed),
		strconv.Itoa(ts.Ignored),
	}
}
