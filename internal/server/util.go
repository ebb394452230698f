package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/process"
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

// isSafeAbsPath ensures the provided path is absolute and already clean, so
// request bodies cannot point the supervisor at paths through "..".
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean == p || clean == strings.TrimRight(p, string(filepath.Separator))
}

// parseWait reads the stop grace; empty means the app's kill_timeout.
func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", s)
	}
	return d, nil
}

func statusCode(err error) int {
	var le *process.LaunchError
	switch {
	case errors.Is(err, mng.ErrUnknownProcess):
		return http.StatusNotFound
	case errors.Is(err, mng.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, mng.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.As(err, &le):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// runningAnyway reports errors after which the child is up; the status
// carries the error.
func runningAnyway(err error) bool {
	var pe *process.PIDFileError
	return errors.As(err, &pe)
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
