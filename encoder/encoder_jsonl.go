package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/baldanca/betlake/record"
)

const JSONLinesContentType = "application/x-ndjson"

// JSONLinesEncoder writes each record payload as one line. JSON payloads
// are compacted, so pretty-printed input still yields a single line; any
// other payload has its line breaks replaced by spaces. Every line,
// including the last, ends with a newline.
type JSONLinesEncoder struct{}

func (JSONLinesEncoder) FileExtension() string { return ".jsonl" }

func (JSONLinesEncoder) ContentType() string { return JSONLinesContentType }

func (e JSONLinesEncoder) Encode(ctx context.Context, items []record.Record) ([]byte, string, error) {
	size := 0
	for _, it := range items {
		size += len(it.Payload) + 1
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := e.EncodeTo(ctx, items, buf); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), JSONLinesContentType, nil
}

func (JSONLinesEncoder) EncodeTo(ctx context.Context, items []record.Record, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var line bytes.Buffer
	for _, it := range items {
		line.Reset()
		writeLine(&line, it.Payload)
		line.WriteByte('\n')
		if _, err := w.Write(line.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func writeLine(buf *bytes.Buffer, payload []byte) {
	payload = bytes.TrimSpace(payload)
	if err := json.Compact(buf, payload); err == nil {
		return
	}
	buf.Reset()
	for _, c := range payload {
		if c == '\n' || c == '\r' {
			c = ' '
		}
		buf.WriteByte(c)
	}
}
