package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/baldanca/betlake/config"
	"github.com/baldanca/betlake/pgstore"
)

func (a *app) seedCommand() *cobra.Command {
	c := &a.cfg

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the players, games and bets tables and load the seed CSVs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := pgstore.Connect(ctx, pgConfig(c))
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := pgstore.LoadSeeds(ctx, pool, c.Postgres.SeedDir, a.log)
			if err != nil {
				return err
			}
			tables := make([]string, 0, len(res))
			for t := range res {
				tables = append(tables, t)
			}
			slices.Sort(tables)
			for _, t := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows\n", t, res[t])
			}
			return nil
		},
	}

	a.bindPostgresFlags(cmd)
	cmd.Flags().StringVar(&c.Postgres.SeedDir, "dir", c.Postgres.SeedDir, "directory holding players.csv, games.csv and bets.csv")
	return cmd
}

func (a *app) bindPostgresFlags(cmd *cobra.Command) {
	c := &a.cfg
	fs := cmd.Flags()
	fs.StringVar(&c.Postgres.Host, "pg-host", c.Postgres.Host, "postgres host")
	fs.StringVar(&c.Postgres.Port, "pg-port", c.Postgres.Port, "postgres port")
	fs.StringVar(&c.Postgres.Database, "pg-database", c.Postgres.Database, "postgres database")
	fs.StringVar(&c.Postgres.User, "pg-user", c.Postgres.User, "postgres user")
	fs.StringVar(&c.Postgres.SSLMode, "pg-sslmode", c.Postgres.SSLMode, "postgres sslmode")
}

func pgConfig(c *config.Config) pgstore.Config {
	return pgstore.Config{
		Host:     c.Postgres.Host,
		Port:     c.Postgres.Port,
		Database: c.Postgres.Database,
		User:     c.Postgres.User,
		Password: c.Postgres.Password,
		SSLMode:  c.Postgres.SSLMode,
	}
}
