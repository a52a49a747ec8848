package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/baldanca/betlake/compactor"
	"github.com/baldanca/betlake/config"
	"github.com/baldanca/betlake/ingestor"
)

func (a *app) compactCommand() *cobra.Command {
	var date string
	c := &a.cfg

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Merge one day (or the whole topic) into a single parquet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if date != "" {
				if _, err := time.Parse(time.DateOnly, date); err != nil {
					return fmt.Errorf("invalid --date %q, want YYYY-MM-DD", date)
				}
			}

			store, err := newLakeSink(ctx, c)
			if err != nil {
				return err
			}
			comp, err := compactor.New(compactor.Config{
				Topic:       c.Kafka.Topic,
				Store:       store,
				Compression: c.Write.Compression,
				Retry:       writeRetry(c),
				Logger:      a.log,
			})
			if err != nil {
				return err
			}

			prefix := ""
			if date != "" {
				prefix = compactor.DatePrefix(c.Kafka.Topic, c.Partition.DateName, date)
			}
			res, err := comp.Compact(ctx, prefix)
			if err != nil {
				return err
			}
			if res.Empty {
				fmt.Fprintf(cmd.OutOrStdout(), "no rows under %s\n", res.Prefix)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote s3://%s/%s (%d rows from %d objects, %d skipped)\n",
				store.Bucket(), res.Output, res.Rows, res.Objects, res.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "day to compact, YYYY-MM-DD (empty = whole topic)")
	cmd.Flags().StringVar(&c.Partition.DateName, "date-segment", c.Partition.DateName, "name of the day partition segment")
	cmd.Flags().StringVar(&c.Write.Compression, "compression", c.Write.Compression, "parquet compression: snappy, gzip, zstd or empty")
	return cmd
}

func writeRetry(c *config.Config) ingestor.SimpleRetry {
	return ingestor.SimpleRetry{
		Attempts:  c.Write.Attempts,
		BaseDelay: c.Write.BaseDelay,
		MaxDelay:  c.Write.MaxDelay,
		Jitter:    true,
	}
}
