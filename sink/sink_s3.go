package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// uploader is the subset of transfermanager.Client used for streamed writes.
type uploader interface {
	UploadObject(ctx context.Context, input *transfermanager.UploadObjectInput, opts ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

type Sink struct {
	client   s3API
	uploader uploader

	bucket    string
	bucketPtr *string
	prefix    string
}

func New(client s3API, bucket, prefix string) *Sink {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	s := &Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	s.bucketPtr = &s.bucket
	return s
}

// WithUploader makes WriteStream upload through u (normally a
// transfermanager.Client) instead of buffering the body for PutObject.
func (s *Sink) WithUploader(u uploader) *Sink {
	s.uploader = u
	return s
}

// Bucket returns the bucket the sink writes to.
func (s *Sink) Bucket() string { return s.bucket }

func (s *Sink) objectKey(key string) string {
	// Keys are not path-cleaned: S3 semantics are kept as-is.
	key = strings.TrimLeft(key, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

func (s *Sink) Write(ctx context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}

	key := s.objectKey(req.Key)
	cl := int64(len(req.Data))

	var body bytes.Reader
	body.Reset(req.Data)

	input := s3.PutObjectInput{
		Bucket:        s.bucketPtr,
		Key:           &key,
		Body:          &body,
		ContentLength: &cl,
	}
	if req.ContentType != "" {
		ct := req.ContentType
		input.ContentType = &ct
	}

	if _, err := s.client.PutObject(ctx, &input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}

// WriteStream uploads the output of req.Writer without holding it all in
// memory when an uploader is configured.
func (s *Sink) WriteStream(ctx context.Context, req StreamWriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	if req.Writer == nil {
		return fmt.Errorf("nil stream writer key=%q", req.Key)
	}

	if s.uploader == nil {
		var buf bytes.Buffer
		if err := req.Writer.WriteTo(&buf); err != nil {
			return fmt.Errorf("encode s3 object key=%q: %w", req.Key, err)
		}
		return s.Write(ctx, WriteRequest{Key: req.Key, Data: buf.Bytes(), ContentType: req.ContentType})
	}

	key := s.objectKey(req.Key)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(req.Writer.WriteTo(pw))
	}()

	input := &transfermanager.UploadObjectInput{
		Bucket: s.bucketPtr,
		Key:    &key,
		Body:   pr,
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}

	_, err := s.uploader.UploadObject(ctx, input)
	// Unblock the producer if the upload stopped reading early.
	pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("upload s3 object key=%q: %w", key, err)
	}
	return nil
}

// List returns every object under prefix, with keys relative to the sink
// prefix, in the order S3 returns them (lexicographic by key).
func (s *Sink) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	full := s.objectKey(prefix)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: s.bucketPtr,
		Prefix: &full,
	})

	var out []ObjectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3 objects prefix=%q: %w", full, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			out = append(out, ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (s *Sink) Read(ctx context.Context, key string) ([]byte, error) {
	full := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: s.bucketPtr, Key: &full})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("get s3 object key=%q: %w", full, ErrNotFound)
		}
		return nil, fmt.Errorf("get s3 object key=%q: %w", full, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object key=%q: %w", full, err)
	}
	return data, nil
}

type bucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// EnsureBucket creates bucket when it does not exist yet. A local MinIO
// starts empty, so the writers call this once on startup.
func EnsureBucket(ctx context.Context, client bucketAPI, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket}); err == nil {
		return nil
	}

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return nil
}
