package metrics

import (
	"io"
	"net/http"
	"time"
)

type countingReadCloser struct {
	r io.ReadCloser
	n int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	i, err := c.r.Read(p)
	c.n += int64(i)
	return i, err
}

func (c *countingReadCloser) Close() error { return c.r.Close() }

type recorder struct {
	http.ResponseWriter
	code int
	n    int64
}

func (r *recorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.n += int64(n)
	return n, err
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// IDFunc returns the identifier recorded for a request.
type IDFunc func(*http.Request) string

// Middleware records one RequestEvent per request served by next.
func Middleware(agg *Aggregator, id IDFunc, next http.Handler) http.Handler {
	if agg == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var body *countingReadCloser
		if r.Body != nil {
			body = &countingReadCloser{r: r.Body}
			r.Body = body
		}
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		ev := RequestEvent{
			Ts:       time.Now().UTC(),
			Scheme:   scheme(r),
			Host:     r.Host,
			Method:   r.Method,
			Path:     r.URL.EscapedPath(),
			Code:     rec.code,
			Ms:       time.Since(start).Milliseconds(),
			BytesOut: rec.n,
		}
		if ev.Code == 0 {
			ev.Code = http.StatusOK
		}
		if ev.Path == "" {
			ev.Path = "/"
		}
		if body != nil {
			ev.BytesIn = body.n
		}
		if id != nil {
			ev.ID = id(r)
		}
		agg.Add(ev)
	})
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
