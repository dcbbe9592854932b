package http

import (
	"errors"
	"net/http"

	"cashmanager/internal/core"
	"cashmanager/internal/log"
	"cashmanager/internal/settings"
)

type settingsResponse struct {
	Settings core.Settings `json:"settings"`
}

// openSettings returns the settings store of the requesting browser and the
// cookie that identifies it.
func (s *Server) openSettings(r *http.Request) (*settings.Store, *http.Cookie, error) {
	clientID, cookie := s.cookies.ensureClientID(r)
	st, err := s.settings.Open(r.Context(), clientID)
	if err != nil {
		return nil, cookie, err
	}
	return st, cookie, nil
}

// currentSettings never fails: unreadable settings render with the defaults.
func (s *Server) currentSettings(r *http.Request) (core.Settings, *http.Cookie) {
	st, cookie, err := s.openSettings(r)
	if err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Settings unavailable, using defaults", log.FieldError, err)
		return core.DefaultSettings(), cookie
	}
	return st.Settings(), cookie
}

func (s *Server) languageOf(r *http.Request) core.Language {
	st, _ := s.currentSettings(r)
	return st.Language
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, cookie := s.currentSettings(r)
	NewResponse().Cookie(cookie).JSON(settingsResponse{Settings: st}).Write(w)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var in SettingsPatchRequest
	if resp := bindOrFail(r, &in); resp != nil {
		resp.Write(w)
		return
	}
	patch, err := in.toPatch()
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}

	st, cookie, err := s.openSettings(r)
	if err != nil {
		s.settingsFailure(w, r, cookie, err)
		return
	}
	next, err := st.Apply(r.Context(), patch)
	if err != nil {
		s.settingsFailure(w, r, cookie, err)
		return
	}
	NewResponse().Cookie(cookie).JSON(settingsResponse{Settings: next}).Write(w)
}

func (s *Server) handleToggleSidebar(w http.ResponseWriter, r *http.Request) {
	st, cookie, err := s.openSettings(r)
	if err != nil {
		s.settingsFailure(w, r, cookie, err)
		return
	}
	next, err := st.ToggleSidebar(r.Context())
	if err != nil {
		s.settingsFailure(w, r, cookie, err)
		return
	}
	NewResponse().Cookie(cookie).JSON(settingsResponse{Settings: next}).Write(w)
}

func (s *Server) settingsFailure(w http.ResponseWriter, r *http.Request, cookie *http.Cookie, err error) {
	if errors.Is(err, core.ErrInvalidLanguage) || errors.Is(err, core.ErrInvalidTheme) || errors.Is(err, core.ErrInvalidCurrency) {
		UnprocessableEntityError(err.Error()).Cookie(cookie).Write(w)
		return
	}
	log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to update settings", log.FieldError, err)
	s.reportError(r, log.OpUpdate, err)
	InternalServerError("Unable to save settings").Cookie(cookie).Write(w)
}

// toPatch converts the request into typed values; anything outside the
// closed enums is rejected here.
func (in SettingsPatchRequest) toPatch() (settings.Patch, error) {
	var p settings.Patch
	if in.Language != nil {
		l, err := core.ParseLanguage(*in.Language)
		if err != nil {
			return p, err
		}
		p.Language = &l
	}
	if in.Theme != nil {
		t, err := core.ParseTheme(*in.Theme)
		if err != nil {
			return p, err
		}
		p.Theme = &t
	}
	if in.Currency != nil {
		c, err := core.ParseCurrency(*in.Currency)
		if err != nil {
			return p, err
		}
		p.Currency = &c
	}
	p.SidebarCollapsed = in.SidebarCollapsed
	return p, nil
}
