package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRenewOutputPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	renewed := RenewOutputPath(path)
	if renewed != filepath.Join(dir, "video-(1).mp4") {
		t.Errorf("renewed = %q", renewed)
	}
	if err := os.WriteFile(renewed, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if again := RenewOutputPath(path); again != filepath.Join(dir, "video-(2).mp4") {
		t.Errorf("second renewal = %q", again)
	}
}

func TestParseHeaderArgs(t *testing.T) {
	got := ParseHeaderArgs([]string{
		"Authorization: Basic dXNlcjpwYXNz",
		"X-Custom:value",
		"malformed-no-colon",
	})
	if got["Authorization"] != "Basic dXNlcjpwYXNz" {
		t.Errorf("Authorization = %q", got["Authorization"])
	}
	if got["X-Custom"] != "value" {
		t.Errorf("X-Custom = %q", got["X-Custom"])
	}
	if len(got) != 2 {
		t.Errorf("malformed header not skipped: %v", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{10 * 1024 * 1024, "10.00 MB"},
	}
	for _, tc := range tests {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
