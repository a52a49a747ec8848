package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baldanca/betlake/config"
	"github.com/baldanca/betlake/kafka"
	"github.com/baldanca/betlake/producer"
)

func (a *app) produceCommand() *cobra.Command {
	var count int64
	c := &a.cfg

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish synthetic bet events to kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.Validate(); err != nil {
				return err
			}
			return a.produce(cmd.Context(), count)
		},
	}

	fs := cmd.Flags()
	fs.Float64Var(&c.Producer.Rate, "rate", c.Producer.Rate, "events per second (0 = unlimited)")
	fs.IntVar(&c.Producer.Bursts, "bursts", c.Producer.Bursts, "number of rate*5 bursts to interleave")
	fs.DurationVar(&c.Producer.Duration, "duration", c.Producer.Duration, "stop after this long (0 = run until interrupted)")
	fs.Int64Var(&count, "count", 0, "stop after this many events (0 = no limit)")
	fs.StringVar(&c.Producer.PlayersFile, "players", c.Producer.PlayersFile, "players seed CSV")
	fs.StringVar(&c.Producer.GamesFile, "games", c.Producer.GamesFile, "games seed CSV")
	fs.IntVar(&c.Kafka.Partitions, "partitions", c.Kafka.Partitions, "partitions when the topic is created")
	fs.IntVar(&c.Kafka.Replication, "replication", c.Kafka.Replication, "replication factor when the topic is created")
	return cmd
}

func (a *app) produce(ctx context.Context, count int64) error {
	c := &a.cfg

	gen, err := newGenerator(c.Producer)
	if err != nil {
		return err
	}

	kc, err := kafka.NewClient(ctx, kafkaConfig(c))
	if err != nil {
		return err
	}
	defer kc.Close()

	if err := kc.EnsureTopic(ctx, c.Kafka.Partitions, c.Kafka.Replication); err != nil {
		return fmt.Errorf("failed to ensure topic exists: %w", err)
	}

	a.log.Info("producing bets",
		"topic", kc.Topic(), "rate", c.Producer.Rate, "bursts", c.Producer.Bursts, "duration", c.Producer.Duration)

	res, err := producer.Run(ctx, producer.Config{
		Rate:     c.Producer.Rate,
		Bursts:   c.Producer.Bursts,
		Duration: c.Producer.Duration,
		Count:    count,
		Logger:   a.log,
	}, gen, kc)
	a.log.Info("producer stopped", "sent", res.Sent, "failed", res.Failed, "bursts", res.Bursts)
	return err
}

// newGenerator reads the seed id files, falling back to the built-in id
// ranges when a file does not exist.
func newGenerator(p config.Producer) (*producer.Generator, error) {
	players, err := producer.LoadSeedIDs(p.PlayersFile)
	if err != nil {
		return nil, err
	}
	if len(players) == 0 {
		players = producer.DefaultPlayers()
	}
	games, err := producer.LoadSeedIDs(p.GamesFile)
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		games = producer.DefaultGames()
	}
	return producer.NewGenerator(players, games)
}

func kafkaConfig(c *config.Config) *kafka.Config {
	return &kafka.Config{
		Brokers:  c.Kafka.Brokers,
		Topic:    c.Kafka.Topic,
		Group:    c.Kafka.Group,
		AuthType: kafka.AuthType(c.Kafka.AuthType),
		User:     c.Kafka.User,
		Pass:     c.Kafka.Password,
		TLS:      c.Kafka.TLS,
	}
}
