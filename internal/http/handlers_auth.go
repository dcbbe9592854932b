package http

import (
	"errors"
	"net/http"

	"cashmanager/internal/core"
	"cashmanager/internal/log"
	"cashmanager/internal/session"
)

// sessionResponse is the body of every endpoint that reports the
// authentication state.
type sessionResponse struct {
	Session   core.Session `json:"session"`
	Providers []string     `json:"providers"`
}

func (s *Server) sessionBody(sess core.Session) sessionResponse {
	return sessionResponse{Session: sess, Providers: s.sessions.Providers()}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Initialize(r.Context(), sessionID(r))
	NewResponse().JSON(s.sessionBody(sess)).Write(w)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in LoginRequest
	if resp := bindOrFail(r, &in); resp != nil {
		resp.Write(w)
		return
	}

	sid, cookie := s.cookies.ensureSessionID(r)
	sess, err := s.sessions.Login(r.Context(), sid, sanitizeInput(in.Email), in.Password)
	if err != nil {
		s.authFailure(r, "login", err).Cookie(cookie).Write(w)
		return
	}
	NewResponse().Cookie(s.cookies.signedIn(sess, sid, cookie)).JSON(s.sessionBody(sess)).Write(w)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in RegisterRequest
	if resp := bindOrFail(r, &in); resp != nil {
		resp.Write(w)
		return
	}

	sid, cookie := s.cookies.ensureSessionID(r)
	sess, err := s.sessions.Register(r.Context(), sid, session.RegisterInput{
		Email:     sanitizeInput(in.Email),
		Password:  in.Password,
		FirstName: sanitizeInput(in.FirstName),
		LastName:  sanitizeInput(in.LastName),
	})
	if err != nil {
		s.authFailure(r, "register", err).Cookie(cookie).Write(w)
		return
	}
	NewResponse().Status(http.StatusCreated).Cookie(s.cookies.signedIn(sess, sid, cookie)).JSON(s.sessionBody(sess)).Write(w)
}

// handleLogout always succeeds and always drops the session cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Logout(r.Context(), sessionID(r))
	NewResponse().
		Cookie(s.cookies.expired(SessionCookieName)).
		JSON(s.sessionBody(sess)).
		Write(w)
}

func (s *Server) handleFederatedBegin(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	mode := session.ParseMode(r.URL.Query().Get("mode"))

	sid, cookie := s.cookies.ensureSessionID(r)
	target, err := s.sessions.BeginFederatedLogin(r.Context(), sid, provider, mode)
	if err != nil {
		if errors.Is(err, session.ErrUnknownProvider) {
			NotFoundError("Unknown login provider").Write(w)
			return
		}
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to start federated login",
			log.FieldProvider, provider, log.FieldError, err)
		s.reportError(r, "federated_begin", err)
		InternalServerError("Unable to start login").Write(w)
		return
	}
	if cookie != nil {
		http.SetCookie(w, cookie)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// authCompleteData feeds the page that closes the federated login popup.
type authCompleteData struct {
	Lang    string
	Status  string
	Message string
	Target  string
}

func (s *Server) handleFederatedCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := sessionID(r)
	res, err := s.sessions.CompleteFederatedLogin(r.Context(), sid, session.Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Federated login failed",
			log.FieldProvider, res.Provider, log.FieldError, err)
	} else if ck := s.cookies.signedIn(res.Session, sid, nil); ck != nil {
		http.SetCookie(w, ck)
	}

	if res.Mode != session.ModePopup {
		target := res.Redirect
		if err != nil {
			target = loginErrorURL("federated")
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	tr := s.translations.For(s.languageOf(r))
	data := authCompleteData{Lang: tr.Lang(), Status: "complete", Message: tr.T("auth.popupComplete"), Target: res.Redirect}
	if err != nil {
		data.Status = "failed"
		data.Message = tr.T("auth.popupFailed")
	}
	s.render(w, r, "auth_complete.html", data)
}

// authFailure maps a session manager error to its response.
func (s *Server) authFailure(r *http.Request, op string, err error) *ResponseBuilder {
	var (
		authErr     *session.AuthenticationError
		conflict    *session.ConflictError
		unavailable *session.ServiceUnavailableError
		regErr      *session.RegistrationError
	)
	switch {
	case errors.As(err, &authErr):
		return UnauthorizedError(authErr.Message)
	case errors.As(err, &conflict):
		return ConflictError(conflict.Message)
	case errors.As(err, &unavailable):
		return ServiceUnavailableError(unavailable.Message)
	case errors.As(err, &regErr):
		return UnprocessableEntityError(regErr.Message)
	}
	log.FromContext(r.Context()).ErrorContext(r.Context(), "Authentication request failed",
		log.FieldOperation, op, log.FieldError, err)
	s.reportError(r, op, err)
	return InternalServerError("Internal server error")
}

// bindOrFail binds the request body and returns the response for a
// rejected body, or nil.
func bindOrFail(r *http.Request, dst any) *ResponseBuilder {
	err := BindRequest(r, dst)
	if err == nil {
		return nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return ValidationErrorResponse(verr)
	}
	return BadRequestError("Invalid request body")
}
