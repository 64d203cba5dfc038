package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/errors"
	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxDecompressedBytes caps an inflated request body against compression bombs.
const maxDecompressedBytes = 32 << 20

// RequestDecompressionMiddleware transparently decodes request bodies sent with
// Content-Encoding gzip, zstd or br. net/http leaves request bodies encoded, so
// JSON binding would otherwise see compressed bytes.
func RequestDecompressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		if enc == "" || enc == "identity" {
			c.Next()
			return
		}

		var (
			r       io.Reader
			closeFn func()
		)
		switch enc {
		case "gzip", "x-gzip":
			gzr, err := gzip.NewReader(c.Request.Body)
			if err != nil {
				abortDecode(c, http.StatusBadRequest, "invalid gzip request body", err)
				return
			}
			r, closeFn = gzr, func() { _ = gzr.Close() }
		case "zstd":
			zr, err := zstd.NewReader(c.Request.Body, zstd.WithDecoderMaxMemory(maxDecompressedBytes))
			if err != nil {
				abortDecode(c, http.StatusBadRequest, "invalid zstd request body", err)
				return
			}
			r, closeFn = zr, zr.Close
		case "br":
			r, closeFn = brotli.NewReader(c.Request.Body), func() {}
		default:
			abortDecode(c, http.StatusUnsupportedMediaType, "unsupported content encoding "+enc, nil)
			return
		}
		defer closeFn()

		decoded, err := io.ReadAll(io.LimitReader(r, maxDecompressedBytes+1))
		if err != nil {
			abortDecode(c, http.StatusBadRequest, "failed to decompress request body", err)
			return
		}
		if len(decoded) > maxDecompressedBytes {
			abortDecode(c, http.StatusRequestEntityTooLarge, "decompressed request body too large", nil)
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

func abortDecode(c *gin.Context, status int, msg string, err error) {
	appErr := apperrors.New(status, apperrors.CodeInvalidRequest, msg, err)
	c.Data(status, "application/json", appErr.ToJSON())
	c.Abort()
}
