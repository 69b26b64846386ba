package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/wolfeidau/release-edge/coalesce"
)

// Coalesced shares one backend call between identical concurrent HeadFile
// and ReadDirectory calls. GetFile is passed straight through because its
// body can only be read once.
type Coalesced struct {
	provider Provider
	heads    *coalesce.Group[*File]
	dirs     *coalesce.Group[*Directory]
}

// NewCoalesced wraps p.
func NewCoalesced(p Provider, logger *slog.Logger) *Coalesced {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coalesced")
	return &Coalesced{
		provider: p,
		heads:    coalesce.New[*File](coalesce.WithLogger(logger)),
		dirs:     coalesce.New[*Directory](coalesce.WithLogger(logger)),
	}
}

// HeadFile implements Provider.
func (c *Coalesced) HeadFile(ctx context.Context, key string) (*File, error) {
	f, _, err := c.heads.Do(ctx, key, func(ctx context.Context) (*File, error) {
		return c.provider.HeadFile(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return &File{StatusCode: f.StatusCode, Header: f.Header.Clone()}, nil
}

// GetFile implements Provider.
func (c *Coalesced) GetFile(ctx context.Context, key string, cond Conditional) (*File, error) {
	return c.provider.GetFile(ctx, key, cond)
}

// ReadDirectory implements Provider. A passthrough body is buffered once and
// every caller gets its own reader over the buffer.
func (c *Coalesced) ReadDirectory(ctx context.Context, key string) (*Directory, error) {
	dir, _, err := c.dirs.Do(ctx, key, func(ctx context.Context) (*Directory, error) {
		dir, err := c.provider.ReadDirectory(ctx, key)
		if err != nil || dir.Passthrough == nil || dir.Passthrough.Body == nil {
			return dir, err
		}
		defer func() { _ = dir.Passthrough.Body.Close() }()
		data, err := io.ReadAll(dir.Passthrough.Body)
		if err != nil {
			return nil, fmt.Errorf("buffering listing %q: %w", key, err)
		}
		dir.Passthrough.Body = &bufferedBody{data: data}
		return dir, nil
	})
	if err != nil {
		return nil, err
	}
	return dir.clone(), nil
}

// clone copies the parts of a shared Directory that callers may modify.
func (d *Directory) clone() *Directory {
	out := *d
	out.Subdirectories = slices.Clone(d.Subdirectories)
	out.Files = slices.Clone(d.Files)
	if d.Passthrough != nil {
		pt := &File{StatusCode: d.Passthrough.StatusCode, Header: d.Passthrough.Header.Clone()}
		if b, ok := d.Passthrough.Body.(*bufferedBody); ok {
			pt.Body = io.NopCloser(bytes.NewReader(b.data))
		}
		out.Passthrough = pt
	}
	return &out
}

// bufferedBody holds a fully read body that can be handed out repeatedly.
type bufferedBody struct {
	data []byte
}

func (b *bufferedBody) Read([]byte) (int, error) { return 0, io.EOF }
func (b *bufferedBody) Close() error             { return nil }

var _ Provider = (*Coalesced)(nil)
