package core

import (
	"errors"
	"testing"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.Language != LanguageRU || s.Theme != ThemeLight || s.Currency != CurrencyUSD || s.SidebarCollapsed {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestParseEnums(t *testing.T) {
	if l, err := ParseLanguage(" EN "); err != nil || l != LanguageEN {
		t.Fatalf("language: got %q, %v", l, err)
	}
	if _, err := ParseLanguage("de"); !errors.Is(err, ErrInvalidLanguage) {
		t.Fatalf("expected ErrInvalidLanguage, got %v", err)
	}
	if th, err := ParseTheme("Dark"); err != nil || th != ThemeDark {
		t.Fatalf("theme: got %q, %v", th, err)
	}
	if _, err := ParseTheme("sepia"); !errors.Is(err, ErrInvalidTheme) {
		t.Fatalf("expected ErrInvalidTheme, got %v", err)
	}
	if c, err := ParseCurrency("rub"); err != nil || c != CurrencyRUB {
		t.Fatalf("currency: got %q, %v", c, err)
	}
	if _, err := ParseCurrency("GBP"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
}

func TestSettingsNormalize(t *testing.T) {
	s := Settings{Language: "xx", Theme: ThemeDark, Currency: "", SidebarCollapsed: true}.Normalize()
	want := Settings{Language: LanguageRU, Theme: ThemeDark, Currency: CurrencyUSD, SidebarCollapsed: true}
	if s != want {
		t.Fatalf("got %+v, want %+v", s, want)
	}
}

func TestUserDisplayName(t *testing.T) {
	cases := []struct {
		u    User
		want string
	}{
		{User{FirstName: "Ivan", LastName: "Petrov", Email: "i@p.ru"}, "Ivan Petrov"},
		{User{Username: "ivan", Email: "i@p.ru"}, "ivan"},
		{User{Email: "i@p.ru"}, "i@p.ru"},
	}
	for _, tc := range cases {
		if got := tc.u.DisplayName(); got != tc.want {
			t.Fatalf("got %q, want %q", got, tc.want)
		}
	}
}
