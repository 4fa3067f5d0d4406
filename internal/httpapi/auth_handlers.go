package httpapi

import (
	"net/http"
	"time"

	"github.com/playfront/cs-dispatch/internal/apierr"
	"github.com/playfront/cs-dispatch/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	RealName string `json:"realName,omitempty"`
}

// login implements POST /auth/login (spec §6, Public): verifies the
// bcrypt password hash and issues a signed bearer token.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, apierr.Validation("username and password are required"))
		return
	}

	user, err := s.d.Repo.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, apierr.Auth("invalid username or password"))
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, apierr.Auth("invalid username or password"))
		return
	}

	token, err := s.d.Issuer.Issue(user)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	if err := s.d.Repo.TouchLastLogin(r.Context(), user.ID, time.Now()); err != nil {
		s.d.Logger.Warn("httpapi: touch last login failed", "user_id", user.ID, "error", err)
	}

	writeOK(w, map[string]any{
		"accessToken": token,
		"user": userView{
			ID: user.ID, Username: user.Username, Role: string(user.Role), RealName: user.RealName,
		},
	})
}
