package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ResponseText is the body of every response.
const ResponseText = "AlwaysOk"

const maxBodyLog = 1 << 20

type ctxKey struct{}

// Body is the outcome of reading a request body. A failed read is kept
// rather than dropped, so it can be logged.
type Body struct {
	Present   bool
	Text      string
	Truncated bool
	Err       error
}

// String is what gets logged for the body.
func (b Body) String() string {
	if !b.Present || b.Text == "" {
		return "n/a"
	}
	return b.Text
}

func readBody(r *http.Request) Body {
	if r.Body == nil || r.Body == http.NoBody {
		return Body{}
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyLog+1))
	b := Body{Present: len(data) > 0, Err: err}
	if len(data) > maxBodyLog {
		data = data[:maxBodyLog]
		b.Truncated = true
	}
	b.Text = string(data)
	return b
}

// AlwaysOK answers every method and path with 200 and logs the request.
type AlwaysOK struct {
	Log logrus.FieldLogger
}

func (h AlwaysOK) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := RequestID(r)
	body := readBody(r)
	headers, _ := json.Marshal(r.Header)

	fields := logrus.Fields{
		"request_id": id,
		"scheme":     scheme(r),
		"host":       r.Host,
		"method":     r.Method,
		"path":       r.URL.Path,
		"query":      r.URL.RawQuery,
		"headers":    string(headers),
		"body":       body.String(),
	}
	if body.Truncated {
		fields["body_truncated"] = true
	}
	entry := h.Log.WithFields(fields)
	if body.Err != nil && !errors.Is(body.Err, io.EOF) {
		entry = entry.WithField("body_error", body.Err.Error())
	}
	entry.Info("incoming request")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, ResponseText)
	}
}

// withRequestID tags the request with a fresh id unless one is present.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(ctxKey{}).(string); !ok {
			r = r.WithContext(contextWithID(r, uuid.NewString()))
		}
		next.ServeHTTP(w, r)
	})
}

func contextWithID(r *http.Request, id string) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, id)
}

// RequestID returns the id assigned to r, or "".
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
