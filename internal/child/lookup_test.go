package child

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildEnvPrependsSearchPath(t *testing.T) {
	base := []string{"HOME=/home/op", "PATH=/usr/bin:/bin", "LANG=C"}
	env := BuildEnv(base, map[string]string{"CLOUDSDK_CORE_DISABLE_PROMPTS": "0", "LANG": "en_US.UTF-8"}, []string{"/opt/sdk/bin", " "})

	want := []string{
		"HOME=/home/op",
		"PATH=/opt/sdk/bin" + string(os.PathListSeparator) + "/usr/bin:/bin",
		"LANG=en_US.UTF-8",
		"CLOUDSDK_CORE_DISABLE_PROMPTS=0",
	}
	if strings.Join(env, "\n") != strings.Join(want, "\n") {
		t.Fatalf("env = %#v, want %#v", env, want)
	}
}

func TestBuildEnvWithoutExistingPath(t *testing.T) {
	env := BuildEnv(nil, nil, []string{"/opt/sdk/bin"})
	if got := envValue(env, "PATH"); got != "/opt/sdk/bin" {
		t.Fatalf("PATH = %q, want /opt/sdk/bin", got)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := ExpandHome("~/gcloud/google-cloud-sdk/bin"); got != filepath.Join(home, "gcloud/google-cloud-sdk/bin") {
		t.Fatalf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("ExpandHome absolute = %q", got)
	}
	if got := ExpandHome("~other/bin"); got != "~other/bin" {
		t.Fatalf("ExpandHome other user = %q", got)
	}
}

func TestLookPathInSkipsEmptyEntriesAndReportsNotFound(t *testing.T) {
	checked := []string{}
	executable := func(path string) error {
		checked = append(checked, path)
		if path == filepath.Join("/sdk/bin", "gcloud") {
			return nil
		}
		return os.ErrNotExist
	}

	got, err := lookPathIn("gcloud", "::/usr/bin:/sdk/bin", executable)
	if err != nil {
		t.Fatalf("lookPathIn: %v", err)
	}
	if got != "/sdk/bin/gcloud" {
		t.Fatalf("resolved = %q", got)
	}
	if len(checked) != 2 {
		t.Fatalf("checked = %v, want two candidates", checked)
	}

	_, err = lookPathIn("missing", "/usr/bin", executable)
	if !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestLookPathInExplicitPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "gcloud")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LookPathIn(bin, ""); err == nil {
		t.Fatal("expected non-executable file to be rejected")
	}
	if err := os.Chmod(bin, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	got, err := LookPathIn(bin, "")
	if err != nil {
		t.Fatalf("LookPathIn: %v", err)
	}
	if got != bin {
		t.Fatalf("resolved = %q, want %q", got, bin)
	}
}

func TestResolveUsesExtendedSearchPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gcloud"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	path, env, err := Resolve(Spec{Command: "gcloud", SearchPath: []string{dir}, Env: map[string]string{"CLOUDSDK_CORE_DISABLE_PROMPTS": "0"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if path != filepath.Join(dir, "gcloud") {
		t.Fatalf("path = %q", path)
	}
	if !strings.HasPrefix(envValue(env, "PATH"), dir) {
		t.Fatalf("PATH = %q, want %s first", envValue(env, "PATH"), dir)
	}
	if envValue(env, "CLOUDSDK_CORE_DISABLE_PROMPTS") != "0" {
		t.Fatal("override missing from env")
	}

	if _, _, err := Resolve(Spec{Command: "gcloud-missing-tool", SearchPath: []string{dir}}); err == nil {
		t.Fatal("expected error for missing tool")
	}
}
