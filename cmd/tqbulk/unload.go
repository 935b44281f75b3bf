package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mevdschee/tqbulk/executor"
	"github.com/mevdschee/tqbulk/statement"
)

func newUnloadCmd(flags *globalFlags) *cobra.Command {
	var query, output string
	cmd := &cobra.Command{
		Use:   "unload",
		Short: "unload query results as CSV",
		Long: `Runs a query and writes its rows as CSV, with a header line, to stdout
or to the output file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer e.Close()

			var w io.Writer = os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := runUnload(ctx, w, e.exec, statement.New(query), e.cfg.Executor.PageSize)
			e.log.Info("unload finished", zap.Int64("rows", n))
			return err
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "Query to unload")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

// runUnload writes the rows of stmt to w as CSV and returns the number
// of rows written
func runUnload(ctx context.Context, w io.Writer, exec *executor.Executor, stmt *statement.Statement, prefetch int) (int64, error) {
	out := csv.NewWriter(w)
	sub := exec.Read(ctx, stmt)

	var n int64
	for r := range sub.All(prefetch) {
		if r.Err != nil {
			break
		}
		if n == 0 {
			if err := out.Write(r.Row.Columns); err != nil {
				sub.Cancel()
				return n, errors.Wrap(err, "writing header")
			}
		}
		if err := out.Write(formatRow(r.Row)); err != nil {
			sub.Cancel()
			return n, errors.Wrap(err, "writing row")
		}
		n++
	}
	out.Flush()
	if err := sub.Err(); err != nil {
		return n, err
	}
	return n, out.Error()
}

func formatRow(row statement.Row) []string {
	record := make([]string, len(row.Values))
	for i, v := range row.Values {
		record[i] = formatValue(v)
	}
	return record
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
