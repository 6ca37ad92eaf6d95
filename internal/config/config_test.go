package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"
)

// writeConfig writes data to a temp config file and returns a CLI pointing at it.
func writeConfig(t *testing.T, data string) *CLI {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return &CLI{Config: path}
}

func TestLoad_ValidConfig(t *testing.T) {
	cli := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
base_url = "https://github.com"
allowed_domains = ["github.com", "codeload.github.com"]
timeout_seconds = 60
connect_timeout_seconds = 5
idle_connections = 50
follow_redirects = false

[proxy]
user_agent = "git/2.45.0 (gitproxy/1.0)"
browse_prefix = "/view/"
browse_mode = "proxy"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if got := cfg.Upstream.Timeout(); got != time.Minute {
		t.Errorf("Upstream.Timeout() = %v, want %v", got, time.Minute)
	}
	if cfg.Upstream.FollowsRedirects() {
		t.Error("FollowsRedirects() = true, want false")
	}
	if cfg.Proxy.BrowsePrefix != "view" {
		t.Errorf("Proxy.BrowsePrefix = %q, want %q", cfg.Proxy.BrowsePrefix, "view")
	}
	if cfg.Proxy.RedirectBrowsers() {
		t.Error("RedirectBrowsers() = true for proxy mode")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# empty\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.BodyMaxBytes != 2<<30 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, int64(2<<30))
	}
	if cfg.Upstream.BaseURL != "https://github.com" {
		t.Errorf("default Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if !slices.Contains(cfg.Upstream.AllowedDomains, "codeload.github.com") {
		t.Errorf("default AllowedDomains = %v, want codeload.github.com included", cfg.Upstream.AllowedDomains)
	}
	if cfg.Upstream.Timeout() != 10*time.Minute {
		t.Errorf("default Upstream.Timeout() = %v, want 10m", cfg.Upstream.Timeout())
	}
	if cfg.Upstream.ConnectTimeoutSeconds != 60 || cfg.Upstream.IdleConnections != 100 ||
		cfg.Upstream.MaxConnsPerHost != 100 || cfg.Upstream.IdleTimeoutSeconds != 300 {
		t.Errorf("default pool settings = %+v", cfg.Upstream)
	}
	if !cfg.Upstream.FollowsRedirects() {
		t.Error("default FollowsRedirects() = false, want true")
	}
	if cfg.Proxy.UserAgent != "git/2.0.0 (gitproxy/1.0)" {
		t.Errorf("default Proxy.UserAgent = %q", cfg.Proxy.UserAgent)
	}
	if cfg.Proxy.BrowsePrefix != "web" || !cfg.Proxy.RedirectBrowsers() {
		t.Errorf("default browse settings = %+v", cfg.Proxy)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Enabled {
		t.Error("default Metrics.Enabled = true, want false")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(&CLI{Config: "/nonexistent/config.toml"})
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	cli := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base_url = "https://github.com"
allowed_domains = ["github.com", "mirror.example.org"]

[log]
level = "info"
`)
	cli.Host = "127.0.0.1"
	cli.Port = 3000
	cli.Upstream = "https://mirror.example.org"
	cli.LogLevel = "debug"

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Upstream.BaseURL != "https://mirror.example.org" {
		t.Errorf("Upstream.BaseURL = %q, want CLI override", cfg.Upstream.BaseURL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"http upstream", "[upstream]\nbase_url = \"http://github.com\"\n", "HTTPS"},
		{"upstream with path", "[upstream]\nbase_url = \"https://github.com/org\"\n", "path"},
		{"upstream not allowed", "[upstream]\nbase_url = \"https://gitlab.com\"\n", "allowed_domains"},
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"negative body limit", "[server]\nbody_max_bytes = -1\n", "body_max_bytes"},
		{"negative timeout", "[upstream]\ntimeout_seconds = -5\n", "timeout_seconds"},
		{"negative connect timeout", "[upstream]\nconnect_timeout_seconds = -1\n", "connect_timeout_seconds"},
		{"negative conns per host", "[upstream]\nmax_conns_per_host = -1\n", "max_conns_per_host"},
		{"bad browse mode", "[proxy]\nbrowse_mode = \"mirror\"\n", "browse_mode"},
		{"nested browse prefix", "[proxy]\nbrowse_prefix = \"a/b\"\n", "browse_prefix"},
		{"bad log level", "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"bad log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"rate limit zero", "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n", "requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.data))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestUpstreamConfig_Allows(t *testing.T) {
	c := &UpstreamConfig{AllowedDomains: []string{"github.com", "codeload.github.com"}}
	tests := []struct {
		host string
		want bool
	}{
		{"github.com", true},
		{"GitHub.com", true},
		{"codeload.github.com", true},
		{"evil.github.com.example", false},
		{"gitlab.com", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := c.Allows(tt.host); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnUnsupported_Cache(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	(&Config{}).WarnUnsupported(logger)
	if buf.Len() != 0 {
		t.Errorf("unexpected warning with cache disabled: %q", buf.String())
	}

	(&Config{Cache: CacheConfig{Enabled: true, ExpirationMinutes: 30}}).WarnUnsupported(logger)
	if !strings.Contains(buf.String(), "cache.enabled") {
		t.Errorf("expected cache warning, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[upstream]\nbase_url = \"https://github.com\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	path1 := filepath.Join(dir1, "config.toml")
	path2 := filepath.Join(dir2, "config.toml")
	for _, p := range []string{path1, path2} {
		if err := os.WriteFile(p, []byte("[upstream]\nbase_url = \"https://github.com\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"default", "", ""},
		{"custom", "/custom-metrics", ""},
		{"no leading slash", "metrics", "metrics.path"},
		{"root", "/", "metrics.path"},
		{"healthz", "/healthz", "conflicts"},
		{"proxy/status", "/proxy/status", "conflicts"},
		{"proxy/upstream sub", "/proxy/upstream/metrics", "conflicts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "[metrics]\nenabled = true\n"
			if tt.path != "" {
				data += "path = \"" + tt.path + "\"\n"
			}
			cfg, err := Load(writeConfig(t, data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				want := tt.path
				if want == "" {
					want = "/metrics"
				}
				if cfg.Metrics.Path != want {
					t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, want)
				}
				return
			}
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
[metrics]
enabled = false
path = "bad-no-slash"
`))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
