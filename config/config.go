// Package config holds every betlake setting. Values are layered: defaults,
// then a .env file, then environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"

	PartitionArrival = "arrival"
	PartitionEvent   = "event"

	TargetS3       = "s3"
	TargetPostgres = "postgres"

	SourceKafka = "kafka"
	SourceSQS   = "sqs"
)

type Config struct {
	Kafka     Kafka
	S3        S3
	SQS       SQS
	Batch     Batch
	Write     Write
	Partition Partition
	Postgres  Postgres
	Query     Query
	Producer  Producer
	Metrics   Metrics
}

type Kafka struct {
	Brokers      []string
	Topic        string
	Group        string
	AuthType     string
	User         string
	Password     string
	TLS          bool
	Partitions   int
	Replication  int
	PollInterval time.Duration
}

type S3 struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Secure    bool
	// Prefix is prepended to every object key.
	Prefix string
}

type SQS struct {
	QueueURL string
}

type Batch struct {
	MaxRecords      int
	MaxAge          time.Duration
	TickInterval    time.Duration
	FlushWorkers    int
	ShutdownTimeout time.Duration
}

type Write struct {
	Format      string
	Compression string
	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	AckDropped  bool
}

type Partition struct {
	Mode   string
	Hourly bool
	// DateName is the day segment name, "dt" by default.
	DateName   string
	Dimensions []string
}

type Postgres struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
	SeedDir  string
}

type Query struct {
	ParquetPath string
}

type Producer struct {
	Rate        float64
	Bursts      int
	Duration    time.Duration
	PlayersFile string
	GamesFile   string
}

type Metrics struct {
	Addr string
}

func Default() Config {
	return Config{
		Kafka: Kafka{
			Brokers:      []string{"localhost:19092"},
			Topic:        "bets",
			Group:        "minio-mirror",
			AuthType:     "none",
			Partitions:   1,
			Replication:  1,
			PollInterval: time.Second,
		},
		S3: S3{
			Endpoint:  "localhost:9000",
			AccessKey: "minio",
			SecretKey: "minio123",
			Region:    "us-east-1",
			Bucket:    "lake",
		},
		Batch: Batch{
			MaxRecords:      1000,
			MaxAge:          30 * time.Second,
			TickInterval:    time.Second,
			FlushWorkers:    4,
			ShutdownTimeout: 30 * time.Second,
		},
		Write: Write{
			Format:      FormatJSONL,
			Compression: "snappy",
			Attempts:    5,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		Partition: Partition{
			Mode:     PartitionArrival,
			Hourly:   true,
			DateName: "dt",
		},
		Postgres: Postgres{
			Host:     "localhost",
			Port:     "5432",
			User:     "igaming",
			Password: "example",
			Database: "igaming",
			SSLMode:  "disable",
			SeedDir:  "data/seed",
		},
		Query: Query{
			ParquetPath: "bets_compacted/part-000.parquet",
		},
		Producer: Producer{
			Rate:        10,
			PlayersFile: "data/seed/players.csv",
			GamesFile:   "data/seed/games.csv",
		},
	}
}

// Load reads the given .env files (".env" when none are named), then the
// process environment. Missing .env files are not an error.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv applies environment overrides on top of Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	e := env{lookup: lookup}

	e.csv("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	e.str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	e.str("KAFKA_GROUP", &cfg.Kafka.Group)
	e.str("KAFKA_AUTH_TYPE", &cfg.Kafka.AuthType)
	e.str("KAFKA_USER", &cfg.Kafka.User)
	e.str("KAFKA_PASSWORD", &cfg.Kafka.Password)
	e.boolean("KAFKA_TLS", &cfg.Kafka.TLS)
	e.integer("KAFKA_TOPIC_PARTITIONS", &cfg.Kafka.Partitions)
	e.integer("KAFKA_REPLICATION_FACTOR", &cfg.Kafka.Replication)
	e.duration("KAFKA_POLL_INTERVAL", &cfg.Kafka.PollInterval)

	e.str("MINIO_ENDPOINT", &cfg.S3.Endpoint)
	e.str("MINIO_ACCESS_KEY", &cfg.S3.AccessKey)
	e.str("MINIO_SECRET_KEY", &cfg.S3.SecretKey)
	e.str("MINIO_REGION", &cfg.S3.Region)
	e.str("MINIO_BUCKET", &cfg.S3.Bucket)
	e.boolean("MINIO_SECURE", &cfg.S3.Secure)
	e.str("MINIO_PREFIX", &cfg.S3.Prefix)
	e.integer("MINIO_BATCH_SIZE", &cfg.Batch.MaxRecords)
	e.seconds("MINIO_BATCH_SEC", &cfg.Batch.MaxAge)

	e.str("SQS_QUEUE_URL", &cfg.SQS.QueueURL)

	e.duration("BATCH_TICK_INTERVAL", &cfg.Batch.TickInterval)
	e.integer("FLUSH_WORKERS", &cfg.Batch.FlushWorkers)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.Batch.ShutdownTimeout)

	e.str("OUTPUT_FORMAT", &cfg.Write.Format)
	e.str("PARQUET_COMPRESSION", &cfg.Write.Compression)
	e.integer("WRITE_ATTEMPTS", &cfg.Write.Attempts)
	e.boolean("ACK_DROPPED", &cfg.Write.AckDropped)

	e.str("PARTITION_MODE", &cfg.Partition.Mode)
	e.boolean("PARTITION_HOURLY", &cfg.Partition.Hourly)
	e.str("PARTITION_DATE_NAME", &cfg.Partition.DateName)
	e.csv("PARTITION_DIMENSIONS", &cfg.Partition.Dimensions)

	e.str("PGHOST", &cfg.Postgres.Host)
	e.str("PGPORT", &cfg.Postgres.Port)
	e.str("PGUSER", &cfg.Postgres.User)
	e.str("PGPASSWORD", &cfg.Postgres.Password)
	e.str("PGDATABASE", &cfg.Postgres.Database)
	e.str("PGSSLMODE", &cfg.Postgres.SSLMode)
	e.str("SEED_DIR", &cfg.Postgres.SeedDir)

	e.str("PARQUET_PATH", &cfg.Query.ParquetPath)

	e.float("PRODUCER_RATE", &cfg.Producer.Rate)
	e.integer("PRODUCER_BURSTS", &cfg.Producer.Bursts)
	e.seconds("PRODUCER_DURATION", &cfg.Producer.Duration)

	e.str("METRICS_ADDR", &cfg.Metrics.Addr)

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers is empty (set KAFKA_BROKERS or --brokers)"))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is empty (set KAFKA_TOPIC or --topic)"))
	}
	if strings.Contains(c.Kafka.Topic, "/") {
		errs = append(errs, fmt.Errorf("kafka topic %q must not contain '/'", c.Kafka.Topic))
	}
	if c.Batch.MaxRecords <= 0 {
		errs = append(errs, errors.New("batch size must be > 0"))
	}
	if c.Batch.MaxAge <= 0 {
		errs = append(errs, errors.New("batch age must be > 0"))
	}
	if c.Batch.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be > 0"))
	}
	if c.Batch.FlushWorkers <= 0 {
		errs = append(errs, errors.New("flush workers must be > 0"))
	}
	switch c.Write.Format {
	case FormatJSONL, FormatParquet:
	default:
		errs = append(errs, fmt.Errorf("unknown output format %q", c.Write.Format))
	}
	switch c.Write.Compression {
	case "", "snappy", "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unknown parquet compression %q", c.Write.Compression))
	}
	switch c.Partition.Mode {
	case PartitionArrival, PartitionEvent:
	default:
		errs = append(errs, fmt.Errorf("unknown partition mode %q", c.Partition.Mode))
	}
	if n := c.Partition.DateName; n == "" || strings.ContainsAny(n, "/=\\") {
		errs = append(errs, fmt.Errorf("invalid partition date name %q", n))
	}
	if c.Producer.Rate < 0 {
		errs = append(errs, errors.New("producer rate must be >= 0"))
	}
	return errors.Join(errs...)
}

// ValidateS3 checks the object storage settings.
func (c *Config) ValidateS3() error {
	if c.S3.Bucket == "" {
		return errors.New("bucket is empty (set MINIO_BUCKET or --bucket)")
	}
	return nil
}

// ValidatePostgres checks the Postgres settings.
func (c *Config) ValidatePostgres() error {
	if c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "" {
		return errors.New("postgres host, database and user are required (PGHOST, PGDATABASE, PGUSER)")
	}
	return nil
}

// S3Endpoint returns the endpoint as a URL, adding the scheme MINIO_SECURE
// implies when none is given.
func (c *Config) S3Endpoint() string {
	ep := c.S3.Endpoint
	if ep == "" || strings.Contains(ep, "://") {
		return ep
	}
	if c.S3.Secure {
		return "https://" + ep
	}
	return "http://" + ep
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *env) csv(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		*dst = SplitCSV(v)
	}
}

// boolean accepts strconv.ParseBool values, so MINIO_SECURE=0/1 keeps working.
func (e *env) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
			return
		}
		*dst = b
	}
}

func (e *env) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
			return
		}
		*dst = i
	}
}

func (e *env) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
			return
		}
		*dst = f
	}
}

func (e *env) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
			return
		}
		*dst = d
	}
}

// seconds reads a whole number of seconds, or a Go duration string.
func (e *env) seconds(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
			return
		}
		e.duration(key, dst)
	}
}

func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
