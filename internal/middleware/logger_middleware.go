package middleware

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the wrapped writer usable for the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func LoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			userID := GetUserID(r)
			if userID == "" {
				userID = "anonymous"
			}

			if rw.statusCode >= http.StatusInternalServerError {
				glog.Warningf("[HTTP] %s %s %s - Status: %d - Duration: %v - User: %s",
					r.Method, r.URL.Path, r.RemoteAddr, rw.statusCode, time.Since(start), userID)
				return
			}

			glog.V(1).Infof("[HTTP] %s %s %s - Status: %d - Duration: %v - User: %s",
				r.Method, r.URL.Path, r.RemoteAddr, rw.statusCode, time.Since(start), userID)
		})
	}
}
