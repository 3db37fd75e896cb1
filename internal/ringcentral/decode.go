package ringcentral

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrUnsupportedEncoding is returned with the raw bytes when the response
// uses a content coding DecodeBody does not know.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// DecodeBody reads and closes resp.Body, undoing gzip, deflate or br
// content coding. The client's Accept-Encoding is forwarded upstream, so the
// transport does not decompress on our behalf.
func DecodeBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream body: %w", err)
	}
	if len(raw) == 0 {
		return raw, nil
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	var r io.Reader
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		// deflate is zlib-wrapped per RFC 9110; some servers send raw deflate.
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			r = fr
		} else {
			defer zr.Close()
			r = zr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return raw, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}

	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", encoding, err)
	}
	return decoded, nil
}
