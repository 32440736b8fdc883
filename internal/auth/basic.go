package auth

import (
	"crypto/subtle"
	"net/http"
)

type Basic struct {
	Enabled  bool
	Username string
	Password string
}

func (b Basic) Check(r *http.Request) bool {
	if !b.Enabled {
		return true
	}
	u, p, ok := r.BasicAuth()
	if !ok {
		return false
	}
	if b.Username == "" && b.Password == "" {
		return true
	}
	userOK := subtle.ConstantTimeCompare([]byte(u), []byte(b.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(p), []byte(b.Password)) == 1
	return userOK && passOK
}

// Wrap rejects requests failing Check with 401.
func (b Basic) Wrap(realm string, next http.Handler) http.Handler {
	if !b.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.Check(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
