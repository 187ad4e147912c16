package upload

import (
	"errors"
	"testing"
)

func TestValidatePicture(t *testing.T) {
	const maxBytes = 4 << 20

	tests := []struct {
		name        string
		size        int64
		contentType string
		wantErr     error
	}{
		{name: "small jpeg", size: 1024, contentType: "image/jpeg", wantErr: nil},
		{name: "exactly at cap", size: maxBytes, contentType: "image/png", wantErr: nil},
		{name: "over cap", size: maxBytes + 1, contentType: "image/jpeg", wantErr: ErrTooLarge},
		{name: "zero size", size: 0, contentType: "image/jpeg", wantErr: ErrTooLarge},
		{name: "negative size", size: -1, contentType: "image/jpeg", wantErr: ErrTooLarge},
		{name: "not an image", size: 1024, contentType: "application/pdf", wantErr: ErrNotImage},
		{name: "empty content type", size: 1024, contentType: "", wantErr: ErrNotImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePicture(tt.size, tt.contentType, maxBytes)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePicture(%d, %q) = %v, want %v", tt.size, tt.contentType, err, tt.wantErr)
			}
		})
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/png", ".png"},
		{"image/gif", ".gif"},
		{"image/webp", ".webp"},
		{"image/jpeg", ".jpg"},
		{"image/unknown", ".jpg"},
	}

	for _, tt := range tests {
		if got := extensionFor(tt.contentType); got != tt.want {
			t.Errorf("extensionFor(%q) = %q, want %q", tt.contentType, got, tt.want)
		}
	}
}
