package main

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stagewatch/internal/config"
	"stagewatch/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	svc        *testsupport.FakeService
	server     *httptest.Server
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	svc := testsupport.NewFakeService()
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)
	t.Cleanup(server.CloseClientConnections)

	cfg := testsupport.NewConfig(t, append([]testsupport.ConfigOption{testsupport.WithServiceURL(server.URL)}, opts...)...)
	base := testsupport.BaseDir(cfg)
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv(config.APITokenEnv, "")

	configPath := filepath.Join(homeDir, ".config", "stagewatch", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{
		cfg:        cfg,
		svc:        svc,
		server:     server,
		configPath: configPath,
		baseDir:    base,
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
state_dir = %q
log_dir = %q

[service]
base_url = %q
request_timeout = 5

[tracking]
poll_interval_ms = %d
stream_max_attempts = 1
stream_backoff_cap_ms = 50

[cache]
persist = %t
path = %q

[notifications]
ntfy_topic = %q

[logging]
level = "error"
`,
		cfg.Paths.StateDir,
		cfg.Paths.LogDir,
		cfg.Service.BaseURL,
		cfg.Tracking.PollIntervalMS,
		cfg.Cache.Persist,
		cfg.Cache.Path,
		cfg.Notifications.NtfyTopic,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
