package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBodyRequest(body, contentType string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func TestBindRequest_Login(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		wantEmail   string
		wantFields  []string
		wantErr     bool
	}{
		{
			name:        "json",
			body:        `{"email":"ann@example.com","password":"secret"}`,
			contentType: "application/json",
			wantEmail:   "ann@example.com",
		},
		{
			name:      "json detected without content type",
			body:      ` {"email":"ann@example.com","password":"secret"}`,
			wantEmail: "ann@example.com",
		},
		{
			name:        "form",
			body:        "email=ann%40example.com&password=secret",
			contentType: "application/x-www-form-urlencoded",
			wantEmail:   "ann@example.com",
		},
		{
			name:        "missing password",
			body:        `{"email":"ann@example.com"}`,
			contentType: "application/json",
			wantFields:  []string{"password"},
		},
		{
			name:        "bad email and empty password",
			body:        `{"email":"not-an-email","password":""}`,
			contentType: "application/json",
			wantFields:  []string{"email", "password"},
		},
		{
			name:        "empty body",
			contentType: "application/json",
			wantFields:  []string{"email", "password"},
		},
		{
			name:        "malformed json",
			body:        `{"email":`,
			contentType: "application/json",
			wantErr:     true,
		},
		{
			name:        "wrong type",
			body:        `{"email":1,"password":"x"}`,
			contentType: "application/json",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in LoginRequest
			err := BindRequest(newBodyRequest(tt.body, tt.contentType), &in)

			var verr *ValidationError
			switch {
			case len(tt.wantFields) > 0:
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				for _, f := range tt.wantFields {
					if _, ok := verr.Fields[f]; !ok {
						t.Errorf("field %q not reported: %v", f, verr.Fields)
					}
				}
			case tt.wantErr:
				if err == nil || errors.As(err, &verr) {
					t.Fatalf("expected decode error, got %v", err)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if in.Email != tt.wantEmail {
					t.Errorf("Email = %q, want %q", in.Email, tt.wantEmail)
				}
			}
		})
	}
}

func TestBindRequest_SettingsPatch(t *testing.T) {
	var in SettingsPatchRequest
	err := BindRequest(newBodyRequest(`{"theme":"dark"}`, "application/json"), &in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Theme == nil || *in.Theme != "dark" {
		t.Errorf("Theme = %v", in.Theme)
	}
	if in.Language != nil || in.Currency != nil || in.SidebarCollapsed != nil {
		t.Errorf("absent fields must stay nil: %+v", in)
	}

	in = SettingsPatchRequest{}
	err = BindRequest(newBodyRequest(`{"currency":"JPY"}`, "application/json"), &in)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if msg := verr.Fields["currency"]; !strings.Contains(msg, "USD RUB EUR") {
		t.Errorf("currency message = %q", msg)
	}
}

func TestBindRequest_SettingsPatchForm(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    bool
		wantErr bool
	}{
		{name: "true", body: "sidebarCollapsed=true&theme=dark", want: true},
		{name: "false", body: "sidebarCollapsed=false", want: false},
		{name: "checkbox", body: "sidebarCollapsed=on", want: true},
		{name: "numeric", body: "sidebarCollapsed=1", want: true},
		{name: "garbage", body: "sidebarCollapsed=maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in SettingsPatchRequest
			err := BindRequest(newBodyRequest(tt.body, "application/x-www-form-urlencoded"), &in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if in.SidebarCollapsed == nil || *in.SidebarCollapsed != tt.want {
				t.Errorf("SidebarCollapsed = %v, want %v", in.SidebarCollapsed, tt.want)
			}
		})
	}
}

func TestRequestBodyParser_TooLarge(t *testing.T) {
	body := `{"email":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	var in LoginRequest
	if err := BindRequest(newBodyRequest(body, "application/json"), &in); err == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  hello  ", "hello"},
		{"a\x00b\x07c", "abc"},
		{"line1\nline2\ttab", "line1\nline2\ttab"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeInput(tt.in); got != tt.want {
			t.Errorf("sanitizeInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
