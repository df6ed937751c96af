package report

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// A sink persists result records somewhere.
type Sink interface {
	Write(ctx context.Context, records []Record) error
}

// FileSink appends records to a local file.
type FileSink struct {
	Path string
}

func (s *FileSink) Write(ctx context.Context, records []Record) error {
	err := os.MkdirAll(filepath.Dir(s.Path), os.ModePerm)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	err = WriteRecords(f, records)
	if err != nil {
		return fmt.Errorf("writing records to %s: %w", s.Path, err)
	}
	slog.Info("wrote results", slog.String("path", s.Path), slog.Int("records", len(records)))
	return nil
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink uploads records as one newline-delimited JSON object per call.
type S3Sink struct {
	Bucket   string
	Key      string
	uploader uploader
}

func NewS3Sink(cfg aws.Config, bucket string, key string) *S3Sink {
	return &S3Sink{
		Bucket: bucket,
		Key:    key,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg), func(u *manager.Uploader) {
			u.PartSize = 1024 * 1024 * 10
		}),
	}
}

func (s *S3Sink) Write(ctx context.Context, records []Record) error {
	buf := &bytes.Buffer{}
	err := WriteRecords(buf, records)
	if err != nil {
		return err
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.Bucket,
		Key:         &s.Key,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		slog.Error("failed to upload results", slog.String("bucket", s.Bucket), slog.String("key", s.Key), slog.String("error", err.Error()))
		return fmt.Errorf("uploading results to s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	slog.Info("uploaded results", slog.String("bucket", s.Bucket), slog.String("key", s.Key), slog.Int("records", len(records)))
	return nil
}
