package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandaloneBinaryRunsOutsideRepo(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("standalone binary copy/exec test is unix-focused")
	}
	if testing.Short() {
		t.Skip("builds the binary")
	}
	goModPath, err := exec.Command("go", "env", "GOMOD").Output()
	require.NoError(t, err)
	repoRoot := filepath.Dir(strings.TrimSpace(string(goModPath)))

	binary := filepath.Join(t.TempDir(), "marketbridge")
	build := exec.Command("go", "build", "-o", binary, "./cmd/marketbridge")
	build.Dir = repoRoot
	build.Env = os.Environ()
	buildOut, err := build.CombinedOutput()
	require.NoError(t, err, string(buildOut))

	outside := t.TempDir()
	env := append(os.Environ(),
		"HOME="+outside,
		"XDG_CONFIG_HOME="+filepath.Join(outside, "config"),
	)
	run := func(args ...string) (string, error) {
		c := exec.Command(binary, args...)
		c.Dir = outside
		c.Env = env
		b, err := c.CombinedOutput()
		return string(b), err
	}

	out, err := run("version")
	require.NoError(t, err, out)
	assert.Contains(t, out, "marketbridge dev")

	out, err = run("--help")
	require.NoError(t, err, out)
	for _, sub := range []string{"serve", "simulate", "health", "metrics", "rate-limit"} {
		assert.Contains(t, out, sub)
	}

	cfg := filepath.Join(outside, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`marketplaces:
  - name: coupang
    base_url: https://api.coupang.test
    health_check_path: /ping
    rate_limit:
      max_requests_per_second: 50
      burst_allowance: 10
`), 0o600))

	out, err = run("--config", cfg, "simulate", "-n", "5", "--output-format", "json")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"marketplace": "coupang"`)
}
