package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

// fakeS3API keeps objects in a map and pages listings two keys at a time.
type fakeS3API struct {
	mu sync.Mutex

	putCalls  int
	listCalls int
	lastIn    *s3.PutObjectInput
	objects   map[string][]byte

	putErr error
}

func newFakeS3API() *fakeS3API {
	return &fakeS3API{objects: make(map[string][]byte)}
}

func (f *fakeS3API) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	f.putCalls++
	f.lastIn = in
	putErr := f.putErr
	f.mu.Unlock()

	if putErr != nil {
		return nil, putErr
	}

	b, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = b
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3API) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3API) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	body []byte
	ct   string
	err  error
}

func (f *fakeUploader) UploadObject(ctx context.Context, in *transfermanager.UploadObjectInput, _ ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.body = b
	f.ct = aws.ToString(in.ContentType)
	return &transfermanager.UploadObjectOutput{}, nil
}

func TestSink_Write_BuildsKeyWithPrefixWithoutCleaning(t *testing.T) {
	f := newFakeS3API()
	s := New(f, "bkt", "/pfx/")

	data := []byte("abc")
	err := s.Write(context.Background(), WriteRequest{
		Key:         "/a/../b/x.parquet",
		Data:        data,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.putCalls != 1 {
		t.Fatalf("expected 1 call, got %d", f.putCalls)
	}
	if aws.ToString(f.lastIn.Bucket) != "bkt" {
		t.Fatalf("bucket: %q", aws.ToString(f.lastIn.Bucket))
	}
	if aws.ToString(f.lastIn.Key) != "pfx/a/../b/x.parquet" {
		t.Fatalf("key: %q", aws.ToString(f.lastIn.Key))
	}
	if aws.ToString(f.lastIn.ContentType) != "application/octet-stream" {
		t.Fatalf("content-type: %q", aws.ToString(f.lastIn.ContentType))
	}
	if f.lastIn.ContentLength == nil || *f.lastIn.ContentLength != int64(len(data)) {
		t.Fatalf("content-length: %#v", f.lastIn.ContentLength)
	}
	if !bytes.Equal(f.objects["pfx/a/../b/x.parquet"], data) {
		t.Fatalf("body mismatch: %q", string(f.objects["pfx/a/../b/x.parquet"]))
	}
}

func TestSink_Write_EmptyKeyReturnsError(t *testing.T) {
	s := New(newFakeS3API(), "bkt", "")
	if err := s.Write(context.Background(), WriteRequest{Key: ""}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSink_Write_PropagatesPutError(t *testing.T) {
	boom := errors.New("boom")
	f := newFakeS3API()
	f.putErr = boom
	s := New(f, "bkt", "p")
	if err := s.Write(context.Background(), WriteRequest{Key: "x", Data: []byte("1")}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestSink_Write_SameKeyOverwrites(t *testing.T) {
	f := newFakeS3API()
	s := New(f, "bkt", "")
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, WriteRequest{Key: "bets/dt=2025-08-27/part-1.jsonl", Data: []byte("first")}))
	require.NoError(t, s.Write(ctx, WriteRequest{Key: "bets/dt=2025-08-27/part-1.jsonl", Data: []byte("second")}))

	got, err := s.Read(ctx, "bets/dt=2025-08-27/part-1.jsonl")
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
	require.Len(t, f.objects, 1)
}

func TestSink_List_FollowsPagesAndStripsPrefix(t *testing.T) {
	f := newFakeS3API()
	s := New(f, "bkt", "lake")
	ctx := context.Background()

	for _, k := range []string{"bets/dt=2025-08-27/b", "bets/dt=2025-08-27/a", "bets/dt=2025-08-27/c", "bets/dt=2025-08-28/d", "other/x"} {
		require.NoError(t, s.Write(ctx, WriteRequest{Key: k, Data: []byte(k)}))
	}

	objs, err := s.List(ctx, "bets/dt=2025-08-27/")
	require.NoError(t, err)

	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	require.Equal(t, []string{"bets/dt=2025-08-27/a", "bets/dt=2025-08-27/b", "bets/dt=2025-08-27/c"}, keys)
	require.Equal(t, int64(len("bets/dt=2025-08-27/a")), objs[0].Size)
	require.Equal(t, 2, f.listCalls)
}

func TestSink_Read_NotFound(t *testing.T) {
	s := New(newFakeS3API(), "bkt", "")
	_, err := s.Read(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSink_WriteStream_UsesUploader(t *testing.T) {
	f := newFakeS3API()
	u := &fakeUploader{}
	s := New(f, "bkt", "pfx").WithUploader(u)

	err := s.WriteStream(context.Background(), StreamWriteRequest{
		Key:         "bets_compacted/part-000.parquet",
		ContentType: "application/vnd.apache.parquet",
		Writer: StreamWriterFunc(func(w io.Writer) error {
			_, err := io.WriteString(w, "PAR1...PAR1")
			return err
		}),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"pfx/bets_compacted/part-000.parquet"}, u.keys)
	require.Equal(t, "PAR1...PAR1", string(u.body))
	require.Equal(t, "application/vnd.apache.parquet", u.ct)
	require.Zero(t, f.putCalls)
}

func TestSink_WriteStream_PropagatesEncodeError(t *testing.T) {
	boom := errors.New("encode failed")
	s := New(newFakeS3API(), "bkt", "").WithUploader(&fakeUploader{})

	err := s.WriteStream(context.Background(), StreamWriteRequest{
		Key:    "k",
		Writer: StreamWriterFunc(func(io.Writer) error { return boom }),
	})
	require.ErrorIs(t, err, boom)
}

func TestSink_WriteStream_UploaderErrorDoesNotLeakWriter(t *testing.T) {
	boom := errors.New("upload failed")
	s := New(newFakeS3API(), "bkt", "").WithUploader(&fakeUploader{err: boom})

	done := make(chan struct{})
	err := s.WriteStream(context.Background(), StreamWriteRequest{
		Key: "k",
		Writer: StreamWriterFunc(func(w io.Writer) error {
			defer close(done)
			_, err := w.Write(make([]byte, 1<<20))
			return err
		}),
	})
	require.ErrorIs(t, err, boom)
	<-done
}

func TestSink_WriteStream_FallsBackToPut(t *testing.T) {
	f := newFakeS3API()
	s := New(f, "bkt", "")

	err := s.WriteStream(context.Background(), StreamWriteRequest{
		Key:    "k",
		Writer: StreamWriterFunc(func(w io.Writer) error { _, err := io.WriteString(w, "body"); return err }),
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.putCalls)
	require.Equal(t, "body", string(f.objects["k"]))
}

type fakeBucketAPI struct {
	headErr   error
	createErr error
	created   []string
}

func (f *fakeBucketAPI) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeBucketAPI) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, aws.ToString(in.Bucket))
	return &s3.CreateBucketOutput{}, nil
}

func TestEnsureBucket(t *testing.T) {
	ctx := context.Background()

	existing := &fakeBucketAPI{}
	require.NoError(t, EnsureBucket(ctx, existing, "lake"))
	require.Empty(t, existing.created)

	missing := &fakeBucketAPI{headErr: &s3types.NotFound{}}
	require.NoError(t, EnsureBucket(ctx, missing, "lake"))
	require.Equal(t, []string{"lake"}, missing.created)

	raced := &fakeBucketAPI{headErr: &s3types.NotFound{}, createErr: &s3types.BucketAlreadyOwnedByYou{}}
	require.NoError(t, EnsureBucket(ctx, raced, "lake"))

	denied := &fakeBucketAPI{headErr: errors.New("forbidden"), createErr: errors.New("access denied")}
	require.ErrorContains(t, EnsureBucket(ctx, denied, "lake"), "access denied")
}

type fakeS3NoCapture struct{ s3API }

func (fakeS3NoCapture) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func BenchmarkSink_Write_NoCapture(b *testing.B) {
	for _, size := range []int{0, 1024, 256 * 1024} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			s := New(fakeS3NoCapture{}, "bkt", "pfx")
			req := WriteRequest{Key: "x.parquet", Data: make([]byte, size), ContentType: "application/octet-stream"}
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Write(ctx, req); err != nil {
					b.Fatalf("write: %v", err)
				}
			}
		})
	}
}
