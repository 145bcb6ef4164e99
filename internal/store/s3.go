package store

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

func init() {
	Register("s3", func(options map[string]any) (Store, error) {
		bucket, _ := options["bucket_name"].(string)
		if bucket == "" {
			return nil, fmt.Errorf("s3 store needs bucket_name")
		}
		region := optString(options, "region", "us-east-1")
		return NewS3Store(bucket, optString(options, "prefix", ""), region)
	})
}

const (
	s3UploadTries = 4
	s3Backoff     = 2 * time.Second
)

// S3Store keeps blobs in an S3 bucket, optionally under a key prefix.
// Uploads are retried with exponential backoff on transient errors.
type S3Store struct {
	bucket     string
	prefix     string
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

func NewS3Store(bucket, prefix, region string) (*S3Store, error) {
	sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return &S3Store{
		bucket:     bucket,
		prefix:     prefix,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}, nil
}

func (s *S3Store) key(p string) string {
	return path.Join(s.prefix, filepath.ToSlash(p))
}

// Exists treats both "not found" and "forbidden" as absent: buckets
// that deny ListBucket answer 403 for missing keys.
func (s *S3Store) Exists(p string) bool {
	_, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err == nil {
		return true
	}
	if aerr, ok := err.(awserr.RequestFailure); ok {
		if aerr.StatusCode() == 404 || aerr.StatusCode() == 403 {
			return false
		}
	}
	slog.Warn("s3 head failed, treating as absent",
		"bucket", s.bucket, "key", s.key(p), "error", err)
	return false
}

func (s *S3Store) Get(p, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.downloader.Download(f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("s3 get %s: %w", p, err)
	}
	return nil
}

func (s *S3Store) UploadAll(localDir string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		return s.uploadFile(p, rel)
	})
}

func (s *S3Store) uploadFile(local, rel string) error {
	var lastErr error
	for attempt := 0; attempt < s3UploadTries; attempt++ {
		if attempt > 0 {
			time.Sleep(s3Backoff << uint(attempt-1))
		}

		f, err := os.Open(local)
		if err != nil {
			return err
		}

		input := &s3manager.UploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(rel)),
			Body:   f,
		}
		if mime := MimeType(rel); mime != "" {
			input.ContentType = aws.String(mime)
		}

		_, lastErr = s.uploader.Upload(input)
		f.Close()
		if lastErr == nil {
			return nil
		}
		slog.Warn("s3 upload failed, retrying",
			"key", s.key(rel), "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("s3 upload %s: %w", rel, lastErr)
}
