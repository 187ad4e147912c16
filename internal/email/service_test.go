package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "test@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "test@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "test@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendEmailFailsWhenNotConfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendEmail([]string{"someone@example.com"}, "subject", "body"); err == nil {
		t.Fatal("expected error when email not configured")
	}
	if err := svc.SendHTMLEmail([]string{"someone@example.com"}, "subject", "<p>body</p>"); err == nil {
		t.Fatal("expected error when email not configured")
	}
}

func TestRenderVerificationTemplate(t *testing.T) {
	html, err := renderTemplate(verificationEmailTemplate, verificationData{
		UserName:        "Quinn",
		VerificationURL: "https://taxon.example/verify?token=abc",
	})
	if err != nil {
		t.Fatalf("renderTemplate() error = %v", err)
	}
	if !strings.Contains(html, "Quinn") {
		t.Error("rendered template missing user name")
	}
	if !strings.Contains(html, "https://taxon.example/verify?token=abc") {
		t.Error("rendered template missing verification URL")
	}
}

func TestRenderPasswordResetTemplate(t *testing.T) {
	html, err := renderTemplate(passwordResetEmailTemplate, passwordResetData{
		UserName: "Sam",
		ResetURL: "https://taxon.example/reset?token=xyz",
	})
	if err != nil {
		t.Fatalf("renderTemplate() error = %v", err)
	}
	if !strings.Contains(html, "Sam") || !strings.Contains(html, "https://taxon.example/reset?token=xyz") {
		t.Error("rendered template missing expected fields")
	}
}
