// Package archive uploads exported ledger segments to S3-compatible object
// storage so verifiable copies live outside the primary database.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/northstar-lms/custodian/internal/audit"
	"github.com/northstar-lms/custodian/internal/tracing"
)

// ContentTypeJSON is the content type of archived segments.
const ContentTypeJSON = "application/json"

// ErrEmptySegment is returned when a segment has no records to archive.
var ErrEmptySegment = errors.New("segment has no records")

// ObjectPutter is the subset of the S3 client used by Archiver.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds configuration for the archiver.
type Config struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	// Region defaults to "auto" for R2-style endpoints.
	Region string
	// Prefix is prepended to every object key. Defaults to "ledger".
	Prefix string
}

// Result describes an archived segment.
type Result struct {
	Bucket string
	Key    string
	SHA256 string
	Size   int
	Scope  string
	From   int64
	To     int64
}

// Archiver writes segments to a bucket.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// New creates an archiver with an S3 client built from cfg.
func New(cfg Config) (*Archiver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})
	return NewWithClient(client, cfg.BucketName, cfg.Prefix), nil
}

// NewWithClient creates an archiver around an existing client.
func NewWithClient(client ObjectPutter, bucket, prefix string) *Archiver {
	if prefix == "" {
		prefix = "ledger"
	}
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectKey returns the key a segment is stored under:
// {prefix}/{scope}/{from}-{to}-{exported unix seconds}.json
func ObjectKey(prefix string, seg *audit.Segment) string {
	return fmt.Sprintf("%s/%s/%020d-%020d-%d.json",
		prefix,
		sanitizePathComponent(seg.Scope),
		seg.From,
		seg.To,
		seg.ExportedAt.Unix())
}

// sanitizePathComponent removes characters that are unsafe in object keys.
func sanitizePathComponent(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Archive uploads seg as JSON. The object carries its SHA-256 so storage
// rejects a corrupted upload.
func (a *Archiver) Archive(ctx context.Context, seg *audit.Segment) (res *Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "archive.segment")
	defer func() { endSpan(err) }()

	if seg == nil || len(seg.Records) == 0 {
		return nil, ErrEmptySegment
	}
	body, err := seg.Encode(audit.ExportFormatJSON)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	key := ObjectKey(a.prefix, seg)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(a.bucket),
		Key:            aws.String(key),
		Body:           bytes.NewReader(body),
		ContentType:    aws.String(ContentTypeJSON),
		ContentLength:  aws.Int64(int64(len(body))),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata: map[string]string{
			"scope":            seg.Scope,
			"from":             strconv.FormatInt(seg.From, 10),
			"to":               strconv.FormatInt(seg.To, 10),
			"encoding-version": strconv.Itoa(seg.EncodingVersion),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload segment: %w", err)
	}

	return &Result{
		Bucket: a.bucket,
		Key:    key,
		SHA256: hex.EncodeToString(sum[:]),
		Size:   len(body),
		Scope:  seg.Scope,
		From:   seg.From,
		To:     seg.To,
	}, nil
}

// ArchivedEvent is the ledger entry recording an archived segment. It is
// written to the segment's own scope.
func ArchivedEvent(res *Result, actingIdentity, correlationID string) audit.ScopedEntry {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return audit.ScopedEntry{
		Scope: res.Scope,
		Entry: audit.Entry{
			ID:             uuid.New().String(),
			EventType:      audit.EventLedgerSegmentArchived,
			ActingIdentity: actingIdentity,
			Changes: map[string]string{
				"bucket":      res.Bucket,
				"key":         res.Key,
				"sha256":      res.SHA256,
				"from":        strconv.FormatInt(res.From, 10),
				"to":          strconv.FormatInt(res.To, 10),
				"archived_at": time.Now().UTC().Format(time.RFC3339),
			},
			CorrelationID: correlationID,
		},
	}
}
