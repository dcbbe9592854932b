package core

import (
	"errors"
	"strings"
)

const (
	LanguageRU Language = "ru"
	LanguageEN Language = "en"

	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"

	CurrencyUSD Currency = "USD"
	CurrencyRUB Currency = "RUB"
	CurrencyEUR Currency = "EUR"
)

type (
	Language string
	Theme    string
	Currency string

	// Settings are the per-browser display preferences.
	Settings struct {
		Language         Language `json:"language"`
		Theme            Theme    `json:"theme"`
		Currency         Currency `json:"currency"`
		SidebarCollapsed bool     `json:"sidebarCollapsed"`
	}

	// User is the profile loaded from the identity provider.
	User struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Username  string `json:"username"`
	}

	// Session is the view of the authentication state handed to the UI.
	// Session is the UI view of a browser's authentication state. ID is
	// the server-side session id and never leaves the process in JSON.
	Session struct {
		ID              string `json:"-"`
		IsAuthenticated bool   `json:"isAuthenticated"`
		User            *User  `json:"user"`
		Loading         bool   `json:"loading"`
	}
)

var (
	ErrInvalidLanguage = errors.New("invalid language")
	ErrInvalidTheme    = errors.New("invalid theme")
	ErrInvalidCurrency = errors.New("invalid currency")
)

// DefaultSettings returns the preferences of a browser that never saved any.
func DefaultSettings() Settings {
	return Settings{
		Language:         LanguageRU,
		Theme:            ThemeLight,
		Currency:         CurrencyUSD,
		SidebarCollapsed: false,
	}
}

func (l Language) Valid() bool {
	switch l {
	case LanguageRU, LanguageEN:
		return true
	default:
		return false
	}
}

func (t Theme) Valid() bool {
	switch t {
	case ThemeLight, ThemeDark:
		return true
	default:
		return false
	}
}

func (c Currency) Valid() bool {
	switch c {
	case CurrencyUSD, CurrencyRUB, CurrencyEUR:
		return true
	default:
		return false
	}
}

// ParseLanguage converts untrusted input into a Language.
func ParseLanguage(s string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", ErrInvalidLanguage
	}
	return l, nil
}

// ParseTheme converts untrusted input into a Theme.
func ParseTheme(s string) (Theme, error) {
	t := Theme(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ErrInvalidTheme
	}
	return t, nil
}

// ParseCurrency converts untrusted input into a Currency.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", ErrInvalidCurrency
	}
	return c, nil
}

// Normalize replaces any out-of-range field with its default.
func (s Settings) Normalize() Settings {
	def := DefaultSettings()
	if !s.Language.Valid() {
		s.Language = def.Language
	}
	if !s.Theme.Valid() {
		s.Theme = def.Theme
	}
	if !s.Currency.Valid() {
		s.Currency = def.Currency
	}
	return s
}

// DisplayName joins first and last name, falling back to username and email.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// Anonymous returns the session of a browser with no identity.
func Anonymous() Session {
	return Session{IsAuthenticated: false, User: nil, Loading: false}
}
