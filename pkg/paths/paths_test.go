package paths

import (
	"path/filepath"
	"testing"
)

func TestDataDirDefaultsToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvDataDir, "")
	want := filepath.Join(home, ".browserlink")
	if got := DataDir(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestDataDirExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvDataDir, "~/state/browserlink")
	want := filepath.Join(home, "state", "browserlink")
	if got := DataDir(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestCredentialPathByKind(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	if got := CredentialPath("file"); got != filepath.Join(dir, "credential.json") {
		t.Fatalf("unexpected file path %q", got)
	}
	if got := CredentialPath("sqlite"); got != filepath.Join(dir, "credential.db") {
		t.Fatalf("unexpected sqlite path %q", got)
	}
}

func TestLogsDirEmptyWhenUnset(t *testing.T) {
	t.Setenv(EnvLogDir, "")
	if got := LogsDir(); got != "" {
		t.Fatalf("expected empty logs dir, got %q", got)
	}
}

func TestExpandHomeBare(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if got := ExpandHome("~"); got != home {
		t.Fatalf("expected %q, got %q", home, got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute paths should be untouched, got %q", got)
	}
}
