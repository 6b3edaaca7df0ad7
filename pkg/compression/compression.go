// Package compression decodes and encodes HTTP content codings for ERP
// responses and request bodies. Decoders are pooled per algorithm.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm is an HTTP content coding.
type Algorithm string

const (
	// None is the identity coding
	None Algorithm = "identity"
	// Gzip is RFC 1952 gzip
	Gzip Algorithm = "gzip"
	// Deflate is raw deflate as most servers send it
	Deflate Algorithm = "deflate"
	// Zstd is RFC 8878 zstandard
	Zstd Algorithm = "zstd"
)

// AcceptEncoding advertises every supported coding.
const AcceptEncoding = "gzip, deflate, zstd"

// ParseAlgorithm maps a Content-Encoding header value to an Algorithm.
func ParseAlgorithm(contentEncoding string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return None, nil
	case "gzip", "x-gzip":
		return Gzip, nil
	case "deflate":
		return Deflate, nil
	case "zstd":
		return Zstd, nil
	default:
		return "", fmt.Errorf("unsupported content encoding: %s", contentEncoding)
	}
}

var (
	gzipReaders  sync.Pool
	zstdDecoders = sync.Pool{
		New: func() interface{} {
			d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil
			}
			return d
		},
	}
)

// NewReader wraps r with a decoder for contentEncoding. Close returns the
// decoder to its pool and must be called.
func NewReader(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	alg, err := ParseAlgorithm(contentEncoding)
	if err != nil {
		return nil, err
	}

	switch alg {
	case Gzip:
		zr, ok := gzipReaders.Get().(*gzip.Reader)
		if ok {
			err = zr.Reset(r)
		} else {
			zr, err = gzip.NewReader(r)
		}
		if err != nil {
			if zr != nil {
				gzipReaders.Put(zr)
			}
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &pooledReader{Reader: zr, release: func() { gzipReaders.Put(zr) }}, nil
	case Deflate:
		return flate.NewReader(r), nil
	case Zstd:
		d, _ := zstdDecoders.Get().(*zstd.Decoder)
		if d == nil {
			return nil, fmt.Errorf("zstd: decoder unavailable")
		}
		if err := d.Reset(r); err != nil {
			zstdDecoders.Put(d)
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &pooledReader{Reader: d, release: func() {
			_ = d.Reset(nil)
			zstdDecoders.Put(d)
		}}, nil
	default:
		return io.NopCloser(r), nil
	}
}

type pooledReader struct {
	io.Reader
	release func()
	once    sync.Once
}

func (p *pooledReader) Close() error {
	p.once.Do(p.release)
	return nil
}

// Decode decompresses body according to contentEncoding.
func Decode(body []byte, contentEncoding string) ([]byte, error) {
	alg, err := ParseAlgorithm(contentEncoding)
	if err != nil {
		return nil, err
	}
	if alg == None || len(body) == 0 {
		return body, nil
	}
	rc, err := NewReader(bytes.NewReader(body), contentEncoding)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Encode compresses body with alg.
func Encode(body []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case None:
		return body, nil
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(body, nil), nil
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	switch alg {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Deflate:
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		w = fw
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", alg)
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
