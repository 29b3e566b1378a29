package batch

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
)

// Codec is the compression used for one connection.
type Codec int

const (
	CodecZlib Codec = iota
	CodecDeflate
	CodecSnappy
)

func (c Codec) String() string {
	switch c {
	case CodecSnappy:
		return "snappy"
	case CodecDeflate:
		return "deflate"
	default:
		return "zlib"
	}
}

// CodecFor picks the codec for a RakNet protocol version.
func CodecFor(rakProtocol int, useSnappy bool) Codec {
	switch {
	case rakProtocol >= 11 && useSnappy:
		return CodecSnappy
	case rakProtocol >= 10:
		return CodecDeflate
	default:
		return CodecZlib
	}
}

// compressor holds pooled deflate writers for one level.
type compressor struct {
	level   int
	deflate sync.Pool
	zlib    sync.Pool
}

func newCompressor(level int) *compressor {
	return &compressor{level: level}
}

func (c *compressor) compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecDeflate:
		return c.deflateBytes(data)
	default:
		return c.zlibBytes(data)
	}
}

func (c *compressor) deflateBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := c.deflate.Get().(*flate.Writer)
	if w == nil {
		var err error
		if w, err = flate.NewWriter(&buf, c.level); err != nil {
			return nil, fmt.Errorf("deflate writer: %w", err)
		}
	} else {
		w.Reset(&buf)
	}
	defer c.deflate.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *compressor) zlibBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := c.zlib.Get().(*zlib.Writer)
	if w == nil {
		var err error
		if w, err = zlib.NewWriterLevel(&buf, c.level); err != nil {
			return nil, fmt.Errorf("zlib writer: %w", err)
		}
	} else {
		w.Reset(&buf)
	}
	defer c.zlib.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a batch payload, refusing output larger than limit.
func Decompress(codec Codec, data []byte, limit int) ([]byte, error) {
	if codec == CodecSnappy {
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if limit > 0 && n > limit {
			return nil, fmt.Errorf("%w: %d > %d", ErrDataLimit, n, limit)
		}
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return out, nil
	}

	var r io.ReadCloser
	if codec == CodecDeflate {
		r = flate.NewReader(bytes.NewReader(data))
	} else {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		r = zr
	}
	defer r.Close()

	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, int64(limit)+1)
	}
	out, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if limit > 0 && len(out) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDataLimit, limit)
	}
	return out, nil
}
