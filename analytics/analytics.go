// Package analytics runs the standard bet reports over Parquet files with
// DuckDB, locally or straight from S3.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DefaultPath is read when no path is given.
const DefaultPath = "bets_compacted/part-000.parquet"

type S3Config struct {
	Endpoint        string // host:port, scheme optional
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	URLStyle        string // "path" (MinIO) or "vhost"
}

// Report is one named query over the v_bets view.
type Report struct {
	Title string
	SQL   string
}

// Reports select bet columns by name.
var Reports = []Report{
	{
		Title: "Top games by bet count",
		SQL: `SELECT game_id, COUNT(*) AS bets
			FROM v_bets GROUP BY game_id ORDER BY bets DESC, game_id LIMIT 10`,
	},
	{
		Title: "Daily bets & outcomes",
		SQL: `SELECT CAST(date_trunc('day', bet_time) AS DATE) AS day,
				COUNT(*) AS bets,
				SUM(CASE WHEN status = 'won' THEN 1 ELSE 0 END) AS wins,
				SUM(CASE WHEN status = 'lost' THEN 1 ELSE 0 END) AS losses
			FROM v_bets GROUP BY 1 ORDER BY 1`,
	},
	{
		Title: "Win rate by game",
		SQL: `SELECT game_id,
				AVG(CASE WHEN status = 'won' THEN 1.0 ELSE 0.0 END) AS win_rate,
				COUNT(*) AS bets
			FROM v_bets GROUP BY game_id
			ORDER BY win_rate DESC, bets DESC, game_id LIMIT 10`,
	},
	{
		Title: "Daily handle (sum of stake)",
		SQL: `SELECT CAST(date_trunc('day', bet_time) AS DATE) AS day, SUM(stake) AS handle
			FROM v_bets GROUP BY 1 ORDER BY 1`,
	},
	{
		Title: "Daily GGR (stake - actual_win)",
		SQL: `SELECT CAST(date_trunc('day', bet_time) AS DATE) AS day, SUM(stake - actual_win) AS ggr
			FROM v_bets GROUP BY 1 ORDER BY 1`,
	},
}

// Table is the outcome of one report. Err is set when the query failed;
// the other reports still run.
type Table struct {
	Title   string
	Columns []string
	Rows    [][]string
	Err     error
}

type Querier struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open starts an in-memory DuckDB. With s3 set, httpfs is loaded and an S3
// secret is created so s3:// paths can be read.
func Open(ctx context.Context, s3 *S3Config, logger *slog.Logger) (*Querier, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Settings and secrets are per connection.
	db.SetMaxOpenConns(1)
	q := &Querier{db: db, logger: logger}

	// Report days are UTC days. Without ICU timestamptz is already UTC.
	if _, err := db.ExecContext(ctx, "SET TimeZone = 'UTC'"); err != nil {
		logger.Debug("could not set time zone", "error", err)
	}

	if s3 != nil {
		if err := q.configureS3(ctx, s3); err != nil {
			db.Close()
			return nil, err
		}
	}
	return q, nil
}

func (q *Querier) configureS3(ctx context.Context, cfg *S3Config) error {
	for _, stmt := range []string{"INSTALL httpfs", "LOAD httpfs"} {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", strings.ToLower(stmt), err)
		}
	}
	if _, err := q.db.ExecContext(ctx, secretSQL(cfg)); err != nil {
		return fmt.Errorf("failed to create S3 secret: %w", err)
	}
	q.logger.Debug("configured s3", "endpoint", cfg.Endpoint, "ssl", cfg.UseSSL)
	return nil
}

func secretSQL(cfg *S3Config) string {
	var b strings.Builder
	b.WriteString("CREATE OR REPLACE SECRET betlake_s3 (TYPE s3")
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		fmt.Fprintf(&b, ", KEY_ID %s, SECRET %s", quote(cfg.AccessKeyID), quote(cfg.SecretAccessKey))
	} else {
		b.WriteString(", PROVIDER credential_chain")
	}
	if cfg.Endpoint != "" {
		endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
		fmt.Fprintf(&b, ", ENDPOINT %s", quote(endpoint))
	}
	if cfg.Region != "" {
		fmt.Fprintf(&b, ", REGION %s", quote(cfg.Region))
	}
	style := cfg.URLStyle
	if style == "" {
		style = "path"
	}
	fmt.Fprintf(&b, ", URL_STYLE %s, USE_SSL %t)", quote(style), cfg.UseSSL)
	return b.String()
}

func (q *Querier) Close() error { return q.db.Close() }

// SourceURI resolves what to read: an s3:// or local path is used as is,
// anything else is an object path inside bucket.
func SourceURI(bucket, path string) string {
	if path == "" {
		path = DefaultPath
	}
	switch {
	case strings.HasPrefix(path, "s3://"):
		return path
	case strings.HasPrefix(path, "file://"):
		return strings.TrimPrefix(path, "file://")
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return "s3://" + bucket + "/" + strings.TrimPrefix(path, "/")
}

// Run creates the v_bets view over source and runs every report.
func (q *Querier) Run(ctx context.Context, source string) ([]Table, error) {
	view := fmt.Sprintf("CREATE OR REPLACE VIEW v_bets AS SELECT * FROM read_parquet(%s)", quote(source))
	if _, err := q.db.ExecContext(ctx, view); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}

	out := make([]Table, 0, len(Reports))
	for _, r := range Reports {
		t := Table{Title: r.Title}
		t.Columns, t.Rows, t.Err = q.query(ctx, r.SQL)
		if t.Err != nil {
			q.logger.Warn("report failed", "report", r.Title, "error", t.Err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *Querier) query(ctx context.Context, query string) ([]string, [][]string, error) {
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]string
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = formatValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		if x.Equal(x.Truncate(24 * time.Hour)) {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.DateTime)
	case float64:
		return strconv.FormatFloat(math.Round(x*1e4)/1e4, 'f', -1, 64)
	case float32:
		return formatValue(float64(x))
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
