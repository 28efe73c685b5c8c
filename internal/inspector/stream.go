package inspector

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	cdpadapter "netbridge/internal/adapter/cdp"
	"netbridge/internal/storage"
	"netbridge/pkg/traffic"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var errClosedEarly = errors.New("response stream closed before EOF")

// responseStream 原样返回底层数据，同时统计字节数并缓存响应体
type responseStream struct {
	ctx         context.Context
	inspector   *Inspector
	requestID   string
	contentType string
	encoding    string
	in          io.Reader
	handler     traffic.ResponseHandler

	read      int
	buf       bytes.Buffer
	limit     int64
	truncated bool
	done      bool
}

func (s *responseStream) Read(p []byte) (int, error) {
	n, err := s.in.Read(p)
	if n > 0 {
		s.read += n
		s.handler.OnRead(n)
		s.capture(p[:n])
	}
	if err != nil && !s.done {
		s.done = true
		if err == io.EOF {
			s.finish()
		} else {
			s.handler.OnError(err)
		}
	}
	return n, err
}

func (s *responseStream) Close() error {
	if !s.done {
		s.done = true
		s.handler.OnError(errClosedEarly)
	}
	if c, ok := s.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *responseStream) capture(b []byte) {
	if s.truncated {
		return
	}
	if s.limit > 0 && int64(s.buf.Len()+len(b)) > s.limit {
		s.buf.Write(b[:s.limit-int64(s.buf.Len())])
		s.truncated = true
		return
	}
	s.buf.Write(b)
}

// finish 解码并保存响应体，然后通知读取完成
func (s *responseStream) finish() {
	body := s.buf.Bytes()
	if s.encoding != "" && !s.truncated {
		decoded, err := decode(s.encoding, body)
		if err != nil {
			s.inspector.log.Warn("响应体解码失败，保存原始数据", "requestID", s.requestID, "encoding", s.encoding, "error", err)
		} else {
			body = decoded
			s.handler.OnReadDecoded(len(decoded))
		}
	}

	rb := &storage.ResponseBody{RequestID: s.requestID, Truncated: s.truncated}
	if cdpadapter.IsTextual(s.contentType) {
		rb.Body = append([]byte(nil), body...)
	} else {
		rb.Body = []byte(base64.StdEncoding.EncodeToString(body))
		rb.Base64Encoded = true
	}
	s.inspector.saveBody(s.ctx, rb)
	s.inspector.recordEncoded(s.requestID, s.read)
	s.handler.OnEOF()
}

// decode 按 Content-Encoding 解码响应体
func decode(encoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		// 规范要求 zlib 封装，但不少服务端直接发送裸 deflate
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer zr.Close()
			return io.ReadAll(zr)
		}
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		return io.ReadAll(fr)
	case "zstd":
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
