package ringcentral

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/p-blackswan/rc-proxy/pkg/tokenstore"
)

// passthroughHeaders are copied from the inbound request when present.
var passthroughHeaders = []string{
	"Accept",
	"Content-Type",
	"User-Agent",
	"Accept-Encoding",
	"Accept-Language",
	"Connection",
	"Range",
	"Upgrade-Insecure-Requests",
}

// ForwardRequest describes one upstream REST call.
type ForwardRequest struct {
	Server   string // defaults to the platform server
	Method   string
	Path     string
	RawQuery string
	Body     []byte
	Headers  http.Header // inbound headers; only the allow-list is used
}

// Forward issues an authenticated call to the upstream API. The caller owns
// the response body.
func (c *Client) Forward(ctx context.Context, fr ForwardRequest, tok *tokenstore.Token) (*http.Response, error) {
	server := fr.Server
	if server == "" {
		server = c.server
	}
	target := server + fr.Path
	if fr.RawQuery != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + fr.RawQuery
	}

	var body io.Reader
	if len(fr.Body) > 0 {
		body = bytes.NewReader(fr.Body)
	}
	method := fr.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.outboundHeaders(fr.Headers, tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding %s %s: %w", method, fr.Path, err)
	}
	return resp, nil
}

// outboundHeaders projects inbound headers onto the upstream allow-list.
// Authorization is never taken from the client.
func (c *Client) outboundHeaders(in http.Header, tok *tokenstore.Token) http.Header {
	out := make(http.Header, len(passthroughHeaders)+2)
	for _, name := range passthroughHeaders {
		if v := in.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	out.Set("Client-Id", c.clientID)
	if tok != nil {
		out.Set("Authorization", tok.Authorization())
	}
	return out
}

// OpenMedia starts a streamed GET against the media server. The access
// token travels as a query parameter; rangeHeader enables partial content.
// Cancelling ctx aborts the transfer.
func (c *Client) OpenMedia(ctx context.Context, path string, tok *tokenstore.Token, rangeHeader string, body io.Reader) (*http.Response, error) {
	target := c.mediaServer + path + "?access_token=" + url.QueryEscape(tok.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating media request: %w", err)
	}
	// no transparent decompression: byte ranges must match the stored object
	req.Header.Set("Accept-Encoding", "identity")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.mediaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening media %s: %w", path, err)
	}
	return resp, nil
}
