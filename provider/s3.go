package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// DefaultMaxKeys is the page size used when listing directories.
const DefaultMaxKeys = 1000

// API defines the subset of the S3 client used by the provider.
// This enables testing with in-memory implementations.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds configuration for the S3 provider.
type S3Config struct {
	// Bucket is the bucket name. Required.
	Bucket string

	// MaxKeys is the listing page size. Defaults to DefaultMaxKeys.
	MaxKeys int32

	// ContentTypeOverrides maps extensions (without the dot) to content
	// types. Defaults to DefaultContentTypeOverrides.
	ContentTypeOverrides map[string]string
}

// S3 serves files and listings from an S3-compatible bucket. It makes a
// single attempt per call; wrap it in Resilient for retries.
type S3 struct {
	client    API
	bucket    string
	maxKeys   int32
	overrides map[string]string
}

// NewS3 creates an S3 provider with a pre-configured client.
func NewS3(client API, cfg S3Config) (*S3, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.ContentTypeOverrides == nil {
		cfg.ContentTypeOverrides = DefaultContentTypeOverrides
	}
	return &S3{
		client:    client,
		bucket:    cfg.Bucket,
		maxKeys:   cfg.MaxKeys,
		overrides: cfg.ContentTypeOverrides,
	}, nil
}

// HeadFile implements Provider.
func (s *S3) HeadFile(ctx context.Context, key string) (*File, error) {
	meta, err := s.head(ctx, key)
	if err != nil {
		return nil, err
	}
	return &File{
		StatusCode: http.StatusOK,
		Header:     meta.header(http.StatusOK, s.overrides),
	}, nil
}

// GetFile implements Provider. A 304 or 412 from the store carries no
// metadata, so the headers for those come from a follow-up HeadObject.
func (s *S3) GetFile(ctx context.Context, key string, cond Conditional) (*File, error) {
	in := &s3.GetObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		IfModifiedSince:   cond.IfModifiedSince,
		IfUnmodifiedSince: cond.IfUnmodifiedSince,
	}
	if cond.IfMatch != "" {
		in.IfMatch = aws.String(quoteETag(cond.IfMatch))
	}
	if cond.IfNoneMatch != "" {
		in.IfNoneMatch = aws.String(quoteETag(cond.IfNoneMatch))
	}
	if cond.Range != nil {
		in.Range = aws.String(cond.Range.Header())
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if !isConditionalMiss(err) {
			return nil, fmt.Errorf("s3: get %q: %w", key, translateError(err))
		}
		meta, err := s.head(ctx, key)
		if err != nil {
			return nil, err
		}
		status := StatusCode(false, false, cond)
		return &File{StatusCode: status, Header: meta.header(status, s.overrides)}, nil
	}

	meta := objectMeta{
		Key:                key,
		Size:               aws.ToInt64(out.ContentLength),
		LastModified:       lastModified(out.Metadata, aws.ToTime(out.LastModified)),
		ETag:               aws.ToString(out.ETag),
		ContentType:        aws.ToString(out.ContentType),
		ContentEncoding:    aws.ToString(out.ContentEncoding),
		ContentLanguage:    aws.ToString(out.ContentLanguage),
		ContentDisposition: aws.ToString(out.ContentDisposition),
		ContentRange:       aws.ToString(out.ContentRange),
		Expires:            aws.ToString(out.ExpiresString),
	}
	status := StatusCode(true, false, cond)
	return &File{
		StatusCode: status,
		Header:     meta.header(status, s.overrides),
		Body:       out.Body,
	}, nil
}

// ReadDirectory implements Provider. Pages are fetched sequentially and the
// listing stops early once an index.html is seen, since the directory will
// be served as that file.
func (s *S3) ReadDirectory(ctx context.Context, key string) (*Directory, error) {
	dir := &Directory{LastModified: time.Unix(0, 0).UTC()}
	seen := make(map[string]struct{})

	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(key),
			Delimiter:         aws.String("/"),
			MaxKeys:           aws.Int32(s.maxKeys),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list %q: %w", key, translateError(err))
		}

		for _, p := range out.CommonPrefixes {
			name := strings.TrimPrefix(aws.ToString(p.Prefix), key)
			if _, ok := seen[name]; ok || name == "" {
				continue
			}
			seen[name] = struct{}{}
			dir.Subdirectories = append(dir.Subdirectories, name)
		}

		for _, obj := range out.Contents {
			objKey := aws.ToString(obj.Key)
			if path.Base(objKey) == "index.html" {
				dir.HasIndexHTML = true
			}
			name := strings.TrimPrefix(objKey, key)
			if name == "" {
				// directory marker
				continue
			}
			modified := aws.ToTime(obj.LastModified)
			dir.Files = append(dir.Files, FileEntry{
				Name:         name,
				Size:         aws.ToInt64(obj.Size),
				LastModified: modified,
			})
			if modified.After(dir.LastModified) {
				dir.LastModified = modified
			}
		}

		if dir.HasIndexHTML {
			return dir, nil
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	if len(dir.Subdirectories) == 0 && len(dir.Files) == 0 {
		return nil, ErrNotFound
	}
	return dir, nil
}

func (s *S3) head(ctx context.Context, key string) (objectMeta, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectMeta{}, fmt.Errorf("s3: head %q: %w", key, translateError(err))
	}
	return objectMeta{
		Key:                key,
		Size:               aws.ToInt64(out.ContentLength),
		LastModified:       lastModified(out.Metadata, aws.ToTime(out.LastModified)),
		ETag:               aws.ToString(out.ETag),
		ContentType:        aws.ToString(out.ContentType),
		ContentEncoding:    aws.ToString(out.ContentEncoding),
		ContentLanguage:    aws.ToString(out.ContentLanguage),
		ContentDisposition: aws.ToString(out.ContentDisposition),
		Expires:            aws.ToString(out.ExpiresString),
	}, nil
}

// translateError maps store errors onto the provider's sentinel errors,
// keeping the original in the chain.
func translateError(err error) error {
	switch {
	case isNotFound(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case hasErrorCode(err, "InvalidRange") || hasStatusCode(err, http.StatusRequestedRangeNotSatisfiable):
		return fmt.Errorf("%w: %w", ErrRangeNotSatisfiable, err)
	case hasErrorCode(err, "InvalidObjectName", "KeyTooLongError", "InvalidURI"):
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return err
}

// isConditionalMiss reports whether the store declined to return a body
// because of a precondition.
func isConditionalMiss(err error) bool {
	return hasErrorCode(err, "NotModified", "PreconditionFailed") ||
		hasStatusCode(err, http.StatusNotModified) ||
		hasStatusCode(err, http.StatusPreconditionFailed)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return hasErrorCode(err, "NotFound", "NoSuchKey", "404")
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

func hasStatusCode(err error, status int) bool {
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == status
}

// isTerminal reports whether retrying err cannot change the outcome.
func isTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrRangeNotSatisfiable) ||
		errors.Is(err, context.Canceled)
}

var _ Provider = (*S3)(nil)
