// Package proxy relays authorized REST and media requests to the upstream
// API and rewrites what comes back for the browser.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/rc-proxy/internal/errors"
	"github.com/p-blackswan/rc-proxy/internal/metrics"
	"github.com/p-blackswan/rc-proxy/internal/ringcentral"
	"github.com/p-blackswan/rc-proxy/pkg/tokenstore"
)

// Upstream is the part of the API client used for forwarding.
type Upstream interface {
	Forward(ctx context.Context, fr ringcentral.ForwardRequest, tok *tokenstore.Token) (*http.Response, error)
	OpenMedia(ctx context.Context, path string, tok *tokenstore.Token, rangeHeader string, body io.Reader) (*http.Response, error)
	MediaServer() string
}

// Inbound is a REST request as received by the proxy, with the /proxy prefix
// already removed from Path.
type Inbound struct {
	Method   string
	Path     string
	RawQuery string
	Body     []byte
	Headers  http.Header
}

// Response is a relayable upstream response.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
	// Unauthorized is set when upstream rejected the token. The session
	// token should be dropped.
	Unauthorized bool
}

// Forwarder forwards REST calls and opens media streams.
type Forwarder struct {
	upstream    Upstream
	mediaPrefix string
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewForwarder creates a forwarder. mediaPrefix is the public URL of the
// proxy's media route, e.g. https://proxy.example.com/proxy/media.
func NewForwarder(upstream Upstream, mediaPrefix string, m *metrics.Metrics, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		upstream:    upstream,
		mediaPrefix: mediaPrefix,
		metrics:     m,
		logger:      logger.With().Str("component", "proxy").Logger(),
	}
}

// Forward relays in upstream with tok. Non-2xx responses are returned, not
// treated as errors; only transport failures are.
func (f *Forwarder) Forward(ctx context.Context, in Inbound, tok *tokenstore.Token) (*Response, error) {
	resp, err := f.upstream.Forward(ctx, ringcentral.ForwardRequest{
		Method:   in.Method,
		Path:     in.Path,
		RawQuery: in.RawQuery,
		Body:     in.Body,
		Headers:  in.Headers,
	}, tok)
	if err != nil {
		f.metrics.RecordUpstreamError("network")
		return nil, err
	}

	headers := FormatHeaders(resp.Header)
	body, err := ringcentral.DecodeBody(resp)
	switch {
	case errors.Is(err, ringcentral.ErrUnsupportedEncoding):
		// relay untouched and keep the coding so the client can undo it
		headers["Content-Encoding"] = resp.Header.Get("Content-Encoding")
	case err != nil:
		f.metrics.RecordUpstreamError("decode")
		return nil, fmt.Errorf("reading upstream response for %s: %w", in.Path, err)
	case ShouldHandleMediaLink(in.Path):
		body = []byte(HandleMediaLink(string(body), f.upstream.MediaServer(), f.mediaPrefix))
	}

	out := &Response{
		Status:       resp.StatusCode,
		Headers:      headers,
		Body:         body,
		Unauthorized: resp.StatusCode == http.StatusUnauthorized,
	}
	if resp.StatusCode >= 400 {
		f.metrics.RecordUpstreamError("status")
		f.logger.Debug().
			Err(&perrors.UpstreamError{Status: resp.StatusCode, Path: in.Path}).
			Str("method", in.Method).
			Msg("relaying upstream error response")
	}
	return out, nil
}

// MediaStream is an open upstream media response.
type MediaStream struct {
	Status  int
	Headers map[string]string
	// ContentLength is -1 when unknown.
	ContentLength int64
	// Body must be closed. Closing it before EOF aborts the upstream request.
	Body io.ReadCloser
}

// Abort cancels the upstream transfer.
func (s *MediaStream) Abort() {
	s.Body.Close()
}

// OpenMedia opens path on the media server. The returned stream outlives ctx
// cancellation; it ends when Body is closed.
func (f *Forwarder) OpenMedia(ctx context.Context, path string, tok *tokenstore.Token, rangeHeader string, body io.Reader) (*MediaStream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	resp, err := f.upstream.OpenMedia(streamCtx, path, tok, rangeHeader, body)
	if err != nil {
		cancel()
		f.metrics.RecordUpstreamError("network")
		return nil, err
	}
	if resp.StatusCode >= 400 {
		f.metrics.RecordUpstreamError("status")
	}

	f.metrics.MediaStreamOpened()
	return &MediaStream{
		Status:        resp.StatusCode,
		Headers:       FormatHeaders(resp.Header),
		ContentLength: resp.ContentLength,
		Body: &abortingBody{
			rc:      resp.Body,
			cancel:  cancel,
			metrics: f.metrics,
			logger:  f.logger,
			path:    path,
		},
	}, nil
}

// abortingBody cancels the upstream request when closed, which releases the
// connection even if the body was not drained.
type abortingBody struct {
	rc      io.ReadCloser
	cancel  context.CancelFunc
	metrics *metrics.Metrics
	logger  zerolog.Logger
	path    string

	done atomic.Bool
	once sync.Once
	err  error
}

func (b *abortingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.done.Store(true)
	}
	return n, err
}

func (b *abortingBody) Close() error {
	b.once.Do(func() {
		b.cancel()
		b.err = b.rc.Close()
		aborted := !b.done.Load()
		if aborted {
			b.logger.Debug().Str("path", b.path).Msg("media stream aborted")
		}
		b.metrics.MediaStreamClosed(aborted)
	})
	return b.err
}
