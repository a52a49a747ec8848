package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

const ParquetContentType = "application/vnd.apache.parquet"

type ParquetEncoder[iType any] struct {
	// Compression (optional): "", "snappy", "gzip", "zstd"
	Compression string
}

func (e ParquetEncoder[iType]) FileExtension() string { return ".parquet" }

func (e ParquetEncoder[iType]) ContentType() string { return ParquetContentType }

func (e ParquetEncoder[iType]) Encode(ctx context.Context, items []iType) ([]byte, string, error) {
	output := &bytes.Buffer{}
	if err := e.EncodeTo(ctx, items, output); err != nil {
		return nil, "", err
	}
	return output.Bytes(), ParquetContentType, nil
}

func (e ParquetEncoder[iType]) EncodeTo(ctx context.Context, items []iType, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	options, err := e.writerOptions()
	if err != nil {
		return err
	}

	pw := parquet.NewGenericWriter[iType](w, options...)
	if _, err := pw.Write(items); err != nil {
		_ = pw.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}

	return ctx.Err()
}

func (e ParquetEncoder[iType]) writerOptions() ([]parquet.WriterOption, error) {
	switch e.Compression {
	case "":
		return nil, nil
	case "snappy":
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}, nil
	case "gzip":
		return []parquet.WriterOption{parquet.Compression(&parquet.Gzip)}, nil
	case "zstd":
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}, nil
	}
	return nil, fmt.Errorf("unsupported parquet compression: %q", e.Compression)
}

// ReadParquet decodes every row of a parquet file held in memory.
func ReadParquet[iType any](data []byte) ([]iType, error) {
	rows, err := parquet.Read[iType](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows, nil
}
