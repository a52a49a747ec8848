package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/baldanca/betlake/analytics"
	"github.com/baldanca/betlake/config"
)

func (a *app) queryCommand() *cobra.Command {
	c := &a.cfg

	return &cobra.Command{
		Use:   "query [path]",
		Short: "Run the bet reports over a compacted parquet file",
		Long: "Run the bet reports over a parquet file. The path is an object inside the lake bucket,\n" +
			"an s3:// URI or a local file. Defaults to PARQUET_PATH.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := c.Query.ParquetPath
			if len(args) == 1 {
				path = args[0]
			}
			source := analytics.SourceURI(c.S3.Bucket, path)

			var s3cfg *analytics.S3Config
			if strings.HasPrefix(source, "s3://") {
				s3cfg = duckS3Config(c)
			}
			q, err := analytics.Open(ctx, s3cfg, a.log)
			if err != nil {
				return err
			}
			defer q.Close()

			a.log.Debug("running reports", "source", source)
			tables, err := q.Run(ctx, source)
			if err != nil {
				return err
			}
			analytics.Render(cmd.OutOrStdout(), tables)
			return nil
		},
	}
}

func duckS3Config(c *config.Config) *analytics.S3Config {
	return &analytics.S3Config{
		Endpoint:        c.S3.Endpoint,
		AccessKeyID:     c.S3.AccessKey,
		SecretAccessKey: c.S3.SecretKey,
		Region:          c.S3.Region,
		UseSSL:          c.S3.Secure,
		URLStyle:        "path",
	}
}
