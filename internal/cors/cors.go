// Package cors resolves response origins against a fixed allow-list. Unknown
// origins are answered with the default origin instead of being rejected.
package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Header values sent on preflight responses.
const (
	AllowHeaders  = "Content-Type,Authorization"
	AllowMethods  = "GET,POST,OPTIONS"
	ExposeHeaders = "Content-Range,X-Content-Range"
)

// AllowList is an ordered set of origins; the first entry is the default.
type AllowList struct {
	origins []string
	set     map[string]struct{}
}

// NewAllowList builds an allow-list. It panics on an empty list because the
// default origin would be undefined.
func NewAllowList(origins ...string) AllowList {
	if len(origins) == 0 {
		panic("cors: allow-list needs at least one origin")
	}
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		set[o] = struct{}{}
	}
	return AllowList{origins: append([]string(nil), origins...), set: set}
}

// Default returns the fallback origin.
func (l AllowList) Default() string {
	return l.origins[0]
}

// Resolve echoes origin when it is allow-listed (exact match) and returns
// the default origin otherwise.
func (l AllowList) Resolve(origin string) string {
	if _, ok := l.set[origin]; ok {
		return origin
	}
	return l.Default()
}

// ResponseHeaders are added to every non-preflight response.
func ResponseHeaders(origin string) map[string]string {
	return map[string]string{
		"Access-Control-Allow-Origin":      origin,
		"Access-Control-Allow-Credentials": "true",
	}
}

// PreflightHeaders answer an OPTIONS request.
func PreflightHeaders(origin string) map[string]string {
	return map[string]string{
		"Access-Control-Allow-Origin":      origin,
		"Access-Control-Allow-Headers":     AllowHeaders,
		"Access-Control-Allow-Methods":     AllowMethods,
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Expose-Headers":    ExposeHeaders,
	}
}

// HeaderValue looks a header up case-insensitively in a flat header map.
func HeaderValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Middleware applies the allow-list to a gin engine. Preflight requests are
// answered with 204 and never reach the handlers.
func Middleware(list AllowList) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := list.Resolve(c.GetHeader("Origin"))
		c.Header("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			for k, v := range PreflightHeaders(origin) {
				c.Header(k, v)
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		for k, v := range ResponseHeaders(origin) {
			c.Header(k, v)
		}
		c.Next()
	}
}
