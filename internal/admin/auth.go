package admin

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// adminUser is the only basic-auth user name accepted
const adminUser = "admin"

// RequireAuth middleware ensures the request carries the admin credentials
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(user, password) {
			if ok {
				s.log.Info("Rejected admin credentials", zap.String("user", user), zap.String("remote", r.RemoteAddr))
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="alias-relay", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkCredentials(user, password string) bool {
	// bcrypt runs even for a wrong user so both failures take the same time
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(adminUser)) == 1
	passOK := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) == nil
	return userOK && passOK
}
