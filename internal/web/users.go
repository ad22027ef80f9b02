package web

import (
	"net/http"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

type userResponse struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	IsVerified bool   `json:"is_verified"`
}

func newUserResponse(u storage.UserRecord) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Email: u.Email, IsVerified: u.IsVerified}
}

// handleRegister creates an account from form fields {username, password,
// email?}.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse form", err))
		return
	}
	user, err := s.identity.Register(r.Context(),
		r.PostFormValue("username"),
		r.PostFormValue("password"),
		r.PostFormValue("email"),
		requestMeta(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

// handleToken exchanges form credentials {username, password} for a bearer
// token, also set as the token cookie.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse form", err))
		return
	}
	user, err := s.identity.Authenticate(r.Context(),
		r.PostFormValue("username"),
		r.PostFormValue("password"),
		requestMeta(r))
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := s.tokens.Issue(user)
	if err != nil {
		writeError(w, err)
		return
	}
	s.setTokenCookie(w, r, raw)
	writeJSON(w, http.StatusOK, map[string]string{"access_token": raw, "token_type": "bearer"})
}

func (s *Server) setTokenCookie(w http.ResponseWriter, r *http.Request, raw string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.identity.VerifyEmail(r.Context(), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// handlePasswordResetRequest starts a reset flow. The response never
// reveals whether the address exists; the token travels out of band.
func (s *Server) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.identity.RequestPasswordReset(r.Context(), req.Email); err != nil {
		if apperrors.CodeOf(err) != apperrors.CodeNotFound {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handlePasswordResetComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.identity.CompletePasswordReset(r.Context(), req.Token, req.NewPassword, requestMeta(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}

func (s *Server) handleEmailChangeRequest(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	var req struct {
		NewEmail string `json:"new_email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.identity.RequestVerification(r.Context(), user.ID, storage.ChangeEmail, req.NewEmail); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleEmailChangeComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.identity.CompleteEmailChange(r.Context(), req.Token, requestMeta(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "email_changed"})
}
