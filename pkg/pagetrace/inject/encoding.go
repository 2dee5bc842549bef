package inject

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for content encodings the codec cannot
// rewrite. Callers skip injection for such bodies.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// NormalizeEncoding maps a Content-Encoding header to one of the Encoding
// constants. Empty means identity.
func NormalizeEncoding(header string) string {
	enc := strings.ToLower(strings.TrimSpace(header))
	if enc == "" {
		return EncodingIdentity
	}
	return enc
}

// Supported reports whether Decode and Encode handle the encoding.
func Supported(encoding string) bool {
	switch NormalizeEncoding(encoding) {
	case EncodingIdentity, EncodingGzip, EncodingZstd:
		return true
	}
	return false
}

// Decode returns the plain bytes of a body sent with the given
// Content-Encoding.
func Decode(encoding string, body []byte) ([]byte, error) {
	switch enc := NormalizeEncoding(encoding); enc {
	case EncodingIdentity:
		return body, nil
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer zr.Close()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("read gzip body: %w", err)
		}
		return plain, nil
	case EncodingZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		plain, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("read zstd body: %w", err)
		}
		return plain, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// Encode compresses plain for the given Content-Encoding.
func Encode(encoding string, plain []byte) ([]byte, error) {
	switch enc := NormalizeEncoding(encoding); enc {
	case EncodingIdentity:
		return plain, nil
	case EncodingGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(plain); err != nil {
			return nil, fmt.Errorf("write gzip body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("close gzip body: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingZstd:
		zenc, _, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return zenc.EncodeAll(plain, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// InjectEncoded decodes body, injects fragment and encodes the result again.
func InjectEncoded(encoding string, body []byte, fragment string) ([]byte, error) {
	plain, err := Decode(encoding, body)
	if err != nil {
		return nil, err
	}
	return Encode(encoding, Inject(plain, fragment))
}
