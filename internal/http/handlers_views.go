package http

import (
	"bytes"
	"net/http"
	"net/url"

	"cashmanager/internal/core"
	"cashmanager/internal/i18n"
	"cashmanager/internal/log"
	"cashmanager/internal/sample"
)

const pageLogin = "login"

type page struct {
	Name     string
	LabelKey string
}

// pages are the views of the signed-in dashboard, in navigation order.
var pages = []page{
	{"dashboard", "nav.dashboard"},
	{"transactions", "nav.transactions"},
	{"categories", "nav.categories"},
	{"reports", "nav.reports"},
	{"settings", "nav.settings"},
}

type navItem struct {
	Path   string
	Label  string
	Active bool
}

// pageData feeds index.html.
type pageData struct {
	Page      string
	Lang      string
	Settings  core.Settings
	Session   core.Session
	UserName  string
	Nav       []navItem
	Providers []string
	Error     string
	tr        i18n.Translator
}

// Tr translates key into the page language.
func (d pageData) Tr(key string) string {
	return d.tr.T(key)
}

// Dark reports whether the page renders with the dark theme class.
func (d pageData) Dark() bool {
	return d.Settings.Theme == core.ThemeDark
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.sessions.LandingPath(), http.StatusFound)
}

// handlePage renders the shell of name. Signed-out browsers are sent to the
// login page and signed-in ones away from it.
func (s *Server) handlePage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.sessions.Initialize(r.Context(), sessionID(r))
		switch {
		case name == pageLogin && sess.IsAuthenticated:
			http.Redirect(w, r, s.sessions.LandingPath(), http.StatusFound)
			return
		case name != pageLogin && !sess.IsAuthenticated:
			http.Redirect(w, r, "/"+pageLogin, http.StatusFound)
			return
		}

		st, cookie := s.currentSettings(r)
		http.SetCookie(w, cookie)

		tr := s.translations.For(st.Language)
		data := pageData{
			Page:      name,
			Lang:      tr.Lang(),
			Settings:  st,
			Session:   sess,
			Providers: s.sessions.Providers(),
			tr:        tr,
		}
		if sess.User != nil {
			data.UserName = sess.User.DisplayName()
		}
		for _, p := range pages {
			data.Nav = append(data.Nav, navItem{Path: "/" + p.Name, Label: tr.T(p.LabelKey), Active: p.Name == name})
		}
		if r.URL.Query().Get("error") != "" {
			data.Error = tr.T("login.error")
			if r.URL.Query().Get("error") == "federated" {
				data.Error = tr.T("auth.popupFailed")
			}
		}
		s.render(w, r, "index.html", data)
	}
}

// render executes name into a buffer so a failing template never leaves a
// half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Template execution failed",
			"template", name, log.FieldOperation, log.OpRender, log.FieldError, err)
		s.reportError(r, log.OpRender, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	NewResponse().BodyHTML(buf.Bytes()).Write(w)
}

// requireAuth answers 401 to browsers without an authenticated session.
// Initialize renews an expired access token, so a stored record whose
// token lapsed is not taken as signed in.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sessions.Initialize(r.Context(), sessionID(r)).IsAuthenticated {
			UnauthorizedError("Authentication required").Write(w)
			return
		}
		next(w, r)
	}
}

func (s *Server) currency(r *http.Request) core.Currency {
	st, _ := s.currentSettings(r)
	return st.Currency
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	NewResponse().JSON(sample.DashboardData().View(s.currency(r))).Write(w)
}

type transactionsResponse struct {
	Transactions []sample.TransactionView `json:"transactions"`
	Filter       sample.Filter            `json:"filter"`
	Search       string                   `json:"search"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := sample.ParseFilter(q.Get("type"))
	if err != nil {
		BadRequestError("type must be one of all, income, expense").Write(w)
		return
	}
	search := sanitizeInput(q.Get("search"))
	txs := sample.Transactions(search, filter)
	NewResponse().JSON(transactionsResponse{
		Transactions: sample.TransactionViews(txs, s.currency(r)),
		Filter:       filter,
		Search:       search,
	}).Write(w)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	NewResponse().JSON(map[string]any{
		"categories": sample.CategoryViews(sample.Categories(), s.currency(r)),
	}).Write(w)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	NewResponse().JSON(sample.ReportsData()).Write(w)
}

type messagesResponse struct {
	Lang     string            `json:"lang"`
	Messages map[string]string `json:"messages"`
}

// handleMessages returns the interface strings of ?lang, defaulting to the
// browser's stored language.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = string(s.languageOf(r))
	}
	tr := s.translations.Translator(lang)
	NewResponse().JSON(messagesResponse{Lang: tr.Lang(), Messages: s.translations.Messages(lang)}).Write(w)
}

// loginErrorURL is where a failed redirect-mode federated login lands.
func loginErrorURL(reason string) string {
	return "/" + pageLogin + "?" + url.Values{"error": {reason}}.Encode()
}
