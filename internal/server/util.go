package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcphub/internal/supervisor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeID validates caller supplied server ids; they end up in log file
// names. Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeID(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isSafeAbsPath accepts "" or an absolute, already clean path.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

// statusFor maps supervisor errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		ve *supervisor.ValidationError
		nf *supervisor.NotFoundError
		le *supervisor.LaunchError
		rc *supervisor.RegistryConflict
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &le):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rc):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}
