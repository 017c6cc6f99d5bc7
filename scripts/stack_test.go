package scripts

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/clubrecords/sqlassist/internal/config"
)

func TestStackScriptDryRunUp(t *testing.T) {
	out := runStack(t, "up", "--dry-run")

	// Schema before seed data, seed data before the services that read it.
	steps := []string{
		"docker compose -f",
		"go run ./cmd/sqlassist-migrate -direction up",
		"go run ./cmd/sqlassist-seed",
		"go run ./cmd/sqlassist-api > ",
		"go run ./cmd/sqlassist-auditor > ",
		"stack is up: http://localhost:8080/v1/health",
	}
	last := -1
	for _, step := range steps {
		idx := strings.Index(out, step)
		if idx < 0 {
			t.Fatalf("output missing %q\noutput:\n%s", step, out)
		}
		if idx < last {
			t.Fatalf("step %q runs out of order\noutput:\n%s", step, out)
		}
		last = idx
	}
}

func TestStackEnvLoadsIntoServiceConfig(t *testing.T) {
	out := runStack(t, "up", "--dry-run")

	env := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "go run ./cmd/sqlassist-seed") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if key, value, ok := strings.Cut(field, "="); ok && strings.HasPrefix(key, "SQLASSIST_") {
				env[key] = value
			}
		}
	}
	if len(env) == 0 {
		t.Fatalf("seed step carries no SQLASSIST_ environment\noutput:\n%s", out)
	}

	cfg, err := config.Load("sqlassist-api", func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if err != nil {
		t.Fatalf("stack environment rejected by config: %v", err)
	}
	if cfg.Profile != config.ProfileDev || cfg.Records.Driver != "pgx" || !cfg.Audit.Persist {
		t.Fatalf("config = %+v", cfg)
	}
	if !strings.Contains(cfg.Records.DSN, "@localhost:5432/club") {
		t.Fatalf("records DSN %q does not target the compose postgres", cfg.Records.DSN)
	}
	if !cfg.ObjectStore.Enabled || cfg.ObjectStore.Endpoint != "localhost:9000" || cfg.ObjectStore.AccessKeyID == "" || cfg.ObjectStore.SecretAccessKey == "" {
		t.Fatalf("object store config = %+v", cfg.ObjectStore)
	}

	compose, err := os.ReadFile(filepath.Join(filepath.Dir(stackScriptPath(t)), "..", "docker-compose.yml"))
	if err != nil {
		t.Fatalf("read compose file: %v", err)
	}
	for _, want := range []string{"POSTGRES_DB: club", `"5432:5432"`, `"9000:9000"`, "MINIO_ROOT_USER: " + cfg.ObjectStore.AccessKeyID} {
		if !strings.Contains(string(compose), want) {
			t.Fatalf("docker-compose.yml missing %q", want)
		}
	}
}

func TestStackScriptDryRunDown(t *testing.T) {
	out := runStack(t, "down", "--dry-run")

	// Services stop before the databases they write to.
	auditor := strings.Index(out, ".stack/sqlassist-auditor.pid")
	api := strings.Index(out, ".stack/sqlassist-api.pid")
	compose := strings.Index(out, "docker compose -f")
	if auditor < 0 || api < 0 || compose < 0 || !(auditor < api && api < compose) {
		t.Fatalf("unexpected shutdown order\noutput:\n%s", out)
	}
	if !strings.Contains(out, "stack is down") {
		t.Fatalf("output missing completion line\noutput:\n%s", out)
	}
}

func TestStackScriptUnknownCommand(t *testing.T) {
	scriptPath := stackScriptPath(t)

	cmd := exec.Command("bash", scriptPath, "not-a-command")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected non-zero exit for unknown command")
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Fatalf("stderr missing unknown command message:\n%s", stderr.String())
	}
}

func runStack(t *testing.T, args ...string) string {
	t.Helper()
	cmd := exec.Command("bash", append([]string{stackScriptPath(t)}, args...)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("stack %v failed: %v\nstdout:\n%s\nstderr:\n%s", args, err, stdout.String(), stderr.String())
	}
	return stdout.String()
}

func stackScriptPath(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(thisFile), "stack.sh")
}
