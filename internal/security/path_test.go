package security

import (
	"errors"
	"testing"
)

func TestValidateSavePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"plain filename", "out.png", nil},
		{"subdirectory", "exports/out.png", nil},
		{"absolute path", "/etc/passwd", ErrAbsolutePath},
		{"traversal", "../out.png", ErrPathTraversal},
		{"embedded traversal", "exports/../../out.png", ErrPathTraversal},
		{"windows reserved", "con.png", ErrReservedName},
		{"windows reserved video", "con.mp4", ErrReservedName},
		{"leading hyphen", "-rf.png", ErrLeadingHyphen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSavePath(tt.path)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateSavePath(%q) = %v, want nil", tt.path, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateSavePath(%q) = %v, want %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"normal.png", "normal.png"},
		{"a/b\\c.png", "a-b-c.png"},
		{"what?.png", "what.png"},
		{"..hidden", "hidden"},
		{"", "file"},
		{"con.png", "con.png_"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
