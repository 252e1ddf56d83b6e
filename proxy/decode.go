package proxy

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding lists the content codings decodeBody understands. It is
// sent upstream on every non-raw fetch.
const acceptEncoding = "gzip, deflate, zstd"

// decodeBody wraps body so that reads yield the identity-coded payload for
// the given Content-Encoding header value. ok is false when the coding is
// not one this package decodes, in which case body is returned unchanged.
// Closing the returned reader closes body.
func decodeBody(body io.ReadCloser, contentEncoding string) (rc io.ReadCloser, ok bool, err error) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch enc {
	case "", "identity":
		return body, true, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, false, fmt.Errorf("gzip: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, true, nil
	case "deflate":
		// "deflate" is specified as zlib-wrapped but some servers send raw
		// deflate; sniff the zlib header to pick.
		br := newPeekReader(body, 2)
		hdr, _ := br.peek()
		if len(hdr) == 2 && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, false, fmt.Errorf("deflate: %w", err)
			}
			return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, true, nil
		}
		fr := flate.NewReader(br)
		return &decodedBody{Reader: fr, closers: []io.Closer{fr, body}}, true, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, false, fmt.Errorf("zstd: %w", err)
		}
		rc := zr.IOReadCloser()
		return &decodedBody{Reader: rc, closers: []io.Closer{rc, body}}, true, nil
	}
	return body, false, nil
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// peekReader lets decodeBody inspect the first bytes of a stream without
// consuming them.
type peekReader struct {
	r   io.Reader
	buf []byte
	n   int
}

func newPeekReader(r io.Reader, n int) *peekReader {
	return &peekReader{r: r, n: n}
}

func (p *peekReader) peek() ([]byte, error) {
	if p.buf == nil {
		p.buf = make([]byte, p.n)
		n, err := io.ReadFull(p.r, p.buf)
		p.buf = p.buf[:n]
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return p.buf, err
		}
	}
	return p.buf, nil
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return p.r.Read(b)
}
