package web

import (
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

const authUser = "ganga"

// authMiddleware checks basic auth credentials against the bcrypt hash, ping is always allowed
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok && username == authUser {
			if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
			log.Printf("[WARN] invalid password from %s", r.RemoteAddr)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="Ganga API"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
