// Package s3test provides an in-memory S3 bucket for tests of code built on
// the provider package.
package s3test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/wolfeidau/release-edge/byterange"
)

const defaultMaxKeys = 1000

// Object is a stored object.
type Object struct {
	Data        []byte
	ETag        string
	Modified    time.Time
	ContentType string
	Metadata    map[string]string
}

// Bucket is an in-memory implementation of the S3 calls the provider makes,
// with enough conditional and range behaviour to exercise it.
type Bucket struct {
	mu       sync.Mutex
	objects  map[string]Object
	failures int
	calls    map[string]int
}

// New returns an empty Bucket.
func New() *Bucket {
	return &Bucket{objects: map[string]Object{}, calls: map[string]int{}}
}

// Put stores body under key with a generated etag.
func (b *Bucket) Put(key, body string, modified time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = Object{
		Data:     []byte(body),
		ETag:     fmt.Sprintf(`"etag-%d"`, len(b.objects)+1),
		Modified: modified,
	}
}

// PutObject stores obj under key as is.
func (b *Bucket) PutObject(key string, obj Object) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = obj
}

// FailNext makes the next n calls return a transient InternalError.
func (b *Bucket) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

// CallCount returns how often op (GetObject, HeadObject, ListObjectsV2) was
// called.
func (b *Bucket) CallCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Bucket) begin(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	if b.failures > 0 {
		b.failures--
		return &smithy.GenericAPIError{Code: "InternalError", Message: "we encountered an internal error"}
	}
	return nil
}

// GetObject implements the S3 GetObject call.
func (b *Bucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := b.begin("GetObject"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	obj, ok := b.objects[aws.ToString(in.Key)]
	b.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}

	if in.IfMatch != nil && aws.ToString(in.IfMatch) != obj.ETag {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	if in.IfUnmodifiedSince != nil && obj.Modified.After(*in.IfUnmodifiedSince) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	if in.IfNoneMatch != nil && aws.ToString(in.IfNoneMatch) == obj.ETag {
		return nil, &smithy.GenericAPIError{Code: "NotModified"}
	}
	if in.IfModifiedSince != nil && !obj.Modified.After(*in.IfModifiedSince) {
		return nil, &smithy.GenericAPIError{Code: "NotModified"}
	}

	data := obj.Data
	out := &s3.GetObjectOutput{
		ETag:         aws.String(obj.ETag),
		LastModified: aws.Time(obj.Modified),
		Metadata:     obj.Metadata,
	}
	if obj.ContentType != "" {
		out.ContentType = aws.String(obj.ContentType)
	}
	if in.Range != nil {
		r, ok := byterange.Parse(aws.ToString(in.Range))
		if ok {
			start, end, err := resolveRange(r, int64(len(data)))
			if err != nil {
				return nil, err
			}
			out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
			data = data[start : end+1]
		}
	}
	out.ContentLength = aws.Int64(int64(len(data)))
	out.Body = io.NopCloser(bytes.NewReader(data))
	return out, nil
}

func resolveRange(r byterange.Range, size int64) (int64, int64, error) {
	var start, end int64
	switch {
	case r.Suffix != nil:
		start = max(size-*r.Suffix, 0)
		end = size - 1
	case r.Length != nil:
		start = *r.Offset
		end = min(start+*r.Length-1, size-1)
	default:
		start = *r.Offset
		end = size - 1
	}
	if start >= size {
		return 0, 0, &smithy.GenericAPIError{Code: "InvalidRange", Message: "The requested range is not satisfiable"}
	}
	return start, end, nil
}

// HeadObject implements the S3 HeadObject call.
func (b *Bucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := b.begin("HeadObject"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	obj, ok := b.objects[aws.ToString(in.Key)]
	b.mu.Unlock()
	if !ok {
		return nil, &types.NotFound{}
	}
	out := &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ETag:          aws.String(obj.ETag),
		LastModified:  aws.Time(obj.Modified),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		out.ContentType = aws.String(obj.ContentType)
	}
	return out, nil
}

// ListObjectsV2 pages over the sorted keys. Continuation tokens are the last
// key or prefix returned.
func (b *Bucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := b.begin("ListObjectsV2"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	after := aws.ToString(in.ContinuationToken)
	limit := int(aws.ToInt32(in.MaxKeys))
	if limit <= 0 {
		limit = defaultMaxKeys
	}

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	count := 0
	var last string
	for _, k := range keys {
		entry := k
		rest := strings.TrimPrefix(k, prefix)
		isPrefix := false
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				entry = prefix + rest[:i+len(delim)]
				isPrefix = true
			}
		}
		if after != "" && entry <= after {
			continue
		}
		if seen[entry] {
			continue
		}
		if count == limit {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			return out, nil
		}
		seen[entry] = true
		count++
		last = entry
		if isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(entry)})
			continue
		}
		obj := b.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.Data))),
			LastModified: aws.Time(obj.Modified),
		})
	}
	out.IsTruncated = aws.Bool(false)
	return out, nil
}

