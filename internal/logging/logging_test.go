package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shellvault.log")
	if err := Init(path, true); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(Shutdown)

	log.Printf("[test] hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[test] hello") {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	var b strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := ReadTail(path, 2)
	if err != nil {
		t.Fatalf("ReadTail() error: %v", err)
	}
	if got != "line 4\nline 5" {
		t.Errorf("ReadTail() = %q", got)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	got, err := ReadTail(filepath.Join(t.TempDir(), "absent.log"), 10)
	if err != nil || got != "" {
		t.Errorf("ReadTail() = %q, %v; want empty, nil", got, err)
	}
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Init(path, true); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(Shutdown)
	log.Printf("before clear")

	if err := Clear(path); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	log.Printf("after clear")

	got, _ := ReadTail(path, 100)
	if strings.Contains(got, "before clear") || !strings.Contains(got, "after clear") {
		t.Errorf("unexpected log content after Clear: %q", got)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"normal", "normal"},
		{"a\nb", "a b"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07", "bell"},
		{"ünïcödé", "ünïcödé"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
