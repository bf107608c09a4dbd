package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/n0rdy/kbq/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, req)

		log.Debug().
			Str("request_id", chimw.GetReqID(req.Context())).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", recorder.status).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, req)

		// route pattern keeps the label cardinality bounded
		path := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		metrics.RequestsTotal.WithLabelValues(req.Method, path, strconv.Itoa(recorder.status)).Inc()
		metrics.RequestDurationSeconds.WithLabelValues(req.Method, path).Observe(time.Since(start).Seconds())
	})
}
