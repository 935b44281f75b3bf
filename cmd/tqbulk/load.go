package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/tqbulk/executor"
	"github.com/mevdschee/tqbulk/parser"
	"github.com/mevdschee/tqbulk/statement"
	"github.com/mevdschee/tqbulk/writebatch"
)

type loadOptions struct {
	table     string
	keyColumn string
	delimiter string
	driver    string
}

type loadStats struct {
	statements int64
	units      int64
	written    int64
	failed     int64
}

func newLoadCmd(flags *globalFlags) *cobra.Command {
	var opts loadOptions
	cmd := &cobra.Command{
		Use:   "load <file.csv>",
		Short: "load a CSV file into a table",
		Long: `Loads every record of a CSV file into a table. The header names the
columns. Records sharing a routing key are written in batches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer e.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			batcher, err := e.batcher()
			if err != nil {
				return err
			}
			opts.driver = e.cfg.Cluster.Driver
			stats, err := runLoad(ctx, f, opts, batcher, e.exec, e.log)
			e.log.Info("load finished",
				zap.Int64("statements", stats.statements),
				zap.Int64("units", stats.units),
				zap.Int64("written", stats.written),
				zap.Int64("failed", stats.failed))
			return err
		},
	}
	cmd.Flags().StringVar(&opts.table, "table", "", "Target table, optionally qualified (keyspace.table)")
	cmd.Flags().StringVar(&opts.keyColumn, "key", "", "Column whose value is the routing key")
	cmd.Flags().StringVar(&opts.delimiter, "delimiter", ",", "Field delimiter")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

// runLoad streams the records of r through the batcher into the
// executor. Failed writes are counted and logged; the returned error is
// set when reading fails or a fail-fast write stream stopped.
func runLoad(ctx context.Context, r io.Reader, opts loadOptions, batcher *writebatch.Batcher, exec *executor.Executor, log *zap.Logger) (loadStats, error) {
	var stats loadStats

	reader := csv.NewReader(r)
	if opts.delimiter != "" {
		reader.Comma = []rune(opts.delimiter)[0]
	}
	header, err := reader.Read()
	if err != nil {
		return stats, errors.Wrap(err, "reading header")
	}
	keyIndex := -1
	if opts.keyColumn != "" {
		keyIndex = indexOf(header, opts.keyColumn)
		if keyIndex < 0 {
			return stats, errors.Newf("key column %q not in header", opts.keyColumn)
		}
	}
	query := insertQuery(opts.table, header, opts.driver)
	keyspace := parser.Parse(query).Keyspace

	g, gctx := errgroup.WithContext(ctx)
	stmts := make(chan *statement.Statement)
	g.Go(func() error {
		defer close(stmts)
		for {
			record, err := reader.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return errors.Wrap(err, "reading records")
			}
			s := newInsert(query, record, keyIndex, keyspace, log)
			select {
			case stmts <- s:
				stats.statements++
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	ws := exec.WriteStream(gctx, batcher.BatchStream(gctx, stmts))
	g.Go(func() error {
		for res := range ws.Results() {
			stats.units++
			if res.Err != nil {
				stats.failed += int64(res.Unit.Len())
				log.Warn("write failed", zap.Error(res.Err))
				continue
			}
			stats.written += int64(res.Unit.Len())
		}
		return ws.Err()
	})

	return stats, g.Wait()
}

func newInsert(query string, record []string, keyIndex int, keyspace string, log *zap.Logger) *statement.Statement {
	args := make([]interface{}, len(record))
	for i, v := range record {
		if v == "" {
			continue // empty fields are NULL
		}
		args[i] = v
	}
	s := statement.New(query, args...)
	if keyIndex >= 0 {
		s = s.WithRoutingKey([]byte(record[keyIndex]))
	}
	if keyspace != "" {
		s = s.WithKeyspace(keyspace)
	}
	return s.WithSize(statement.EstimateSize(statement.DefaultEstimator{}, s, log))
}

// insertQuery builds the insert statement for columns, using the
// placeholder style of driver
func insertQuery(table string, columns []string, driver string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		if driver == "postgres" {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}

func indexOf(values []string, v string) int {
	for i, s := range values {
		if s == v {
			return i
		}
	}
	return -1
}
