// Package remote opens archives served over HTTP.
//
// Reads are issued as HTTP range requests, so listing titles or reading
// one article downloads the table of contents and the requested entries
// rather than the whole archive. The server must support range requests.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/archive/stargz"
)

// ErrRangeUnsupported is returned when the server ignores range requests.
var ErrRangeUnsupported = errors.New("remote: range requests not supported")

// Source implements io.ReaderAt over a URL using range requests.
type Source struct {
	ctx     context.Context
	url     string
	client  *nethttp.Client
	headers nethttp.Header
	size    int64
	etag    string
}

// Option configures a Source or an Opener.
type Option func(*options)

type options struct {
	client  *nethttp.Client
	headers nethttp.Header
	logger  *slog.Logger
}

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithHeader sets a header sent with every request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = make(nethttp.Header)
		}
		o.headers.Set(key, value)
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = nethttp.DefaultClient
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// NewSource probes url for its size and range support. ctx bounds the
// probe and every later read.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	o := buildOptions(opts)
	s := &Source{ctx: ctx, url: url, client: o.client, headers: o.headers}
	if err := s.probe(); err != nil {
		return nil, err
	}
	return s, nil
}

// Size returns the content length.
func (s *Source) Size() int64 {
	return s.size
}

// ReadAt implements io.ReaderAt.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("remote: read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), s.size-off)

	resp, err := s.get(off, off+want-1)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusOK:
		return 0, ErrRangeUnsupported
	default:
		return 0, fmt.Errorf("remote: range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, err
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// probe learns the size with a one byte range request and pins the ETag
// so later reads fail if the content changes.
func (s *Source) probe() error {
	resp, err := s.get(0, 0)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		return ErrRangeUnsupported
	default:
		return fmt.Errorf("remote: range probe failed: %s", resp.Status)
	}
	size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	s.size = size
	s.etag = resp.Header.Get("ETag")
	return nil
}

func (s *Source) get(first, last int64) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, nethttp.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", first, last))
	if s.etag != "" {
		req.Header.Set("If-Match", s.etag)
	}
	return s.client.Do(req)
}

func drain(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func parseContentRange(value string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, fmt.Errorf("remote: invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("remote: invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("remote: invalid Content-Range %q", value)
	}
	return size, nil
}

// Opener opens eStargz archives by URL.
type Opener struct {
	ctx  context.Context
	opts []Option
	log  *slog.Logger
}

var _ archive.Opener = (*Opener)(nil)

// NewOpener returns an Opener whose requests are bound to ctx.
func NewOpener(ctx context.Context, opts ...Option) *Opener {
	return &Opener{ctx: ctx, opts: opts, log: buildOptions(opts).logger}
}

// Open implements archive.Opener.
func (o *Opener) Open(url string) (archive.Archive, error) {
	src, err := NewSource(o.ctx, url, o.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", archive.ErrOpen, url, err)
	}
	a, err := stargz.NewArchive(io.NewSectionReader(src, 0, src.Size()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	o.log.Debug("opened remote archive", "url", url, "bytes", src.Size(), "articles", a.ArticleCount())
	return a, nil
}

// IsURL reports whether s names an http or https resource.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
