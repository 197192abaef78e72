package blob

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"mediabot/internal/fetch"
	logx "mediabot/pkg/logx"
)

var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrServiceUnavailable = errors.New("storage service temporarily unavailable")
)

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible services
	AccessKey string
	SecretKey string
	Prefix    string
	// PublicURL is the base used to build handles. Defaults to the
	// endpoint/bucket or the AWS virtual-hosted URL.
	PublicURL    string
	UsePathStyle bool
	Timeout      time.Duration
}

// S3Client is the subset of the SDK client the uploader uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads files to a bucket and hands out public URLs.
type S3 struct {
	client  S3Client
	bucket  string
	prefix  string
	baseURL string
	timeout time.Duration
	log     logx.Logger
}

func NewS3(ctx context.Context, cfg S3Config, log logx.Logger) (*S3, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("%w: s3 bucket and region are required", ErrInvalidConfig)
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3WithClient(cfg, client, log), nil
}

// NewS3WithClient wires a pre-built client.
func NewS3WithClient(cfg S3Config, client S3Client, log logx.Logger) *S3 {
	base := cfg.PublicURL
	if base == "" {
		if cfg.Endpoint != "" {
			base = strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &S3{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		baseURL: strings.TrimSuffix(base, "/"),
		timeout: cfg.Timeout,
		log:     log,
	}
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Upload(ctx context.Context, locator string, f fetch.File) (Stored, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	src, err := os.Open(f.Path)
	if err != nil {
		return Stored{}, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer func() { _ = src.Close() }()

	ext := strings.ToLower(filepath.Ext(f.Name))
	key := s.key(ext)
	ctype := contentType(ext)

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        src,
		ContentType: aws.String(ctype),
		Metadata:    map[string]string{"locator": locator},
	}
	if f.Size > 0 {
		in.ContentLength = aws.Int64(f.Size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return Stored{}, mapS3Error(err, "put")
	}
	url := s.baseURL + "/" + key
	s.log.Debug("stored in s3", logx.String("locator", locator), logx.String("key", key), logx.Int64("bytes", f.Size))
	return Stored{Handle: url, Kind: f.Kind, Title: f.Title}, nil
}

func (s *S3) key(ext string) string {
	name := time.Now().UTC().Format("2006/01/02") + "/" + uuid.NewString() + ext
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".opus": "audio/ogg",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

func contentType(ext string) string {
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func mapS3Error(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("s3 %s: %w", op, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied":
			return fmt.Errorf("%w: s3 %s", ErrAccessDenied, op)
		case "NoSuchBucket":
			return fmt.Errorf("%w: s3 %s", ErrBucketNotFound, op)
		case "SlowDown", "ServiceUnavailable", "RequestTimeout":
			return fmt.Errorf("%w: s3 %s", ErrServiceUnavailable, op)
		default:
			return fmt.Errorf("s3 %s failed (code: %s): %w", op, apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("s3 %s failed: %w", op, err)
}
