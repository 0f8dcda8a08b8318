package shell

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hexops/autogold/v2"
)

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestGitCheckout(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	origin := t.TempDir()
	git(t, origin, "init", "--quiet")
	writeFiles(t, origin, map[string]string{"README.md": "v1"})
	git(t, origin, "add", ".")
	git(t, origin, "commit", "--quiet", "-m", "first")
	first := git(t, origin, "rev-parse", "HEAD")
	writeFiles(t, origin, map[string]string{"README.md": "v2"})
	git(t, origin, "commit", "--quiet", "-am", "second")
	second := git(t, origin, "rev-parse", "HEAD")

	dir := filepath.Join(t.TempDir(), "app")
	refspecs := []string{"+refs/heads/*:refs/remotes/origin/*"}
	if err := GitCheckout(dir, origin, refspecs, 0, first)(context.Background(), &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("v1").Equal(t, string(data))

	// A second checkout reuses the directory and removes untracked files.
	writeFiles(t, dir, map[string]string{"build.log": "stale"})
	if err := GitCheckout(dir, origin, refspecs, 0, second)(context.Background(), &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	data, err = os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("v2").Equal(t, string(data))
	if _, err := os.Stat(filepath.Join(dir, "build.log")); !os.IsNotExist(err) {
		t.Fatal("expected untracked files to be removed")
	}
}
