package proxy

import (
	"testing"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
)

func TestMergeOptionsPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = testToken
	cfg.Defaults = engine.Options{
		Model:          "default-model",
		PermissionMode: "plan",
		MaxTurns:       10,
	}
	cfg.EngineCLIPath = "/opt/engine/bin"
	s := New(cfg, &fakeEngine{})

	// Request values beat defaults; unset request fields fall through
	merged := s.mergeOptions(engine.Options{Model: "requested-model"})
	if merged.Model != "requested-model" {
		t.Errorf("model = %q", merged.Model)
	}
	if merged.PermissionMode != "plan" || merged.MaxTurns != 10 {
		t.Errorf("defaults not filled: %+v", merged)
	}

	// Server-fixed values beat everything
	if !merged.IncludePartialMessages {
		t.Error("include_partial_messages not forced")
	}
	if merged.CLIPath != "/opt/engine/bin" {
		t.Errorf("cli path = %q", merged.CLIPath)
	}
}

func TestMergeOptionsStartupCWDWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = testToken
	cfg.CWD = "/fixed/workdir"
	s := New(cfg, &fakeEngine{})

	merged := s.mergeOptions(engine.Options{CWD: "/somewhere/else"})
	if merged.CWD != "/fixed/workdir" {
		t.Errorf("cwd = %q, want the startup-fixed one", merged.CWD)
	}
}

func TestCheckCWDWhitelist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = testToken
	cfg.AllowedCWDPaths = []string{"/workspace", "/tmp/projects"}
	s := New(cfg, &fakeEngine{})

	cases := []struct {
		cwd  string
		want bool // allowed
	}{
		{"", true},                       // no cwd requested
		{"/workspace", true},             // exact root
		{"/workspace/app", true},         // below root
		{"/workspace/app/../app2", true}, // normalizes inside
		{"/workspace-evil", false},       // prefix trap
		{"/workspace/../etc", false},     // normalizes outside
		{"/tmp/projects/x/y", true},      // second root
		{"/home/user", false},            // unrelated
	}
	for _, tc := range cases {
		err := s.checkCWDWhitelist(tc.cwd)
		if (err == nil) != tc.want {
			t.Errorf("cwd %q: err = %v, want allowed = %v", tc.cwd, err, tc.want)
		}
	}
}

func TestCheckCWDWhitelistEmptyAllowsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = testToken
	s := New(cfg, &fakeEngine{})

	if err := s.checkCWDWhitelist("/anywhere/at/all"); err != nil {
		t.Errorf("empty whitelist should allow everything, got %v", err)
	}
}

func TestPathWithin(t *testing.T) {
	cases := []struct {
		path, root string
		want       bool
	}{
		{"/a/b", "/a", true},
		{"/a", "/a", true},
		{"/ab", "/a", false},
		{"/a/b/c", "/a/b", true},
		{"/", "/a", false},
	}
	for _, tc := range cases {
		if got := pathWithin(tc.path, tc.root); got != tc.want {
			t.Errorf("pathWithin(%q, %q) = %v, want %v", tc.path, tc.root, got, tc.want)
		}
	}
}

func TestGenerateTokenUniqueAndURLSafe(t *testing.T) {
	a := GenerateToken()
	b := GenerateToken()
	if a == b {
		t.Error("two generated tokens were identical")
	}
	if len(a) < 40 {
		t.Errorf("token too short: %d chars", len(a))
	}
	for _, c := range a {
		if c == '+' || c == '/' || c == '=' {
			t.Errorf("token contains non-URL-safe char %q", c)
		}
	}
}

func TestParseTunnelMode(t *testing.T) {
	for _, valid := range []string{"", "none", "ngrok", "cloudflare", "ssh"} {
		if _, err := ParseTunnelMode(valid); err != nil {
			t.Errorf("ParseTunnelMode(%q): %v", valid, err)
		}
	}
	if _, err := ParseTunnelMode("teleport"); err == nil {
		t.Error("invalid mode accepted")
	}
}
