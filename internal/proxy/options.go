package proxy

import (
	"fmt"
	"path/filepath"
	"strings"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
)

// mergeOptions applies the three precedence tiers, highest first:
// values fixed at gateway startup, then the request body, then the gateway
// defaults. Partial message emission is forced on unconditionally and the
// engine binary override always comes from this host.
func (s *Server) mergeOptions(requested engine.Options) engine.Options {
	merged := requested

	// Fill fields the request left zero from the gateway defaults
	if err := mergo.Merge(&merged, s.cfg.Defaults); err != nil {
		// Both sides are plain structs; Merge only fails on misuse
		panic(fmt.Sprintf("option merge: %v", err))
	}

	// Startup-fixed values win over everything
	if s.cfg.CWD != "" {
		merged.CWD = s.cfg.CWD
	}
	merged.IncludePartialMessages = true
	merged.CLIPath = s.cfg.EngineCLIPath

	return merged
}

// checkCWDWhitelist resolves the requested working directory and verifies it
// falls under one of the whitelisted roots. Returns nil when no whitelist is
// configured or the request names no cwd.
func (s *Server) checkCWDWhitelist(requestedCWD string) error {
	if len(s.cfg.AllowedCWDPaths) == 0 || requestedCWD == "" {
		return nil
	}

	resolved, err := filepath.Abs(requestedCWD)
	if err != nil {
		return fmt.Errorf("requested cwd %q does not resolve: %w", requestedCWD, err)
	}
	resolved = filepath.Clean(resolved)

	for _, root := range s.cfg.AllowedCWDPaths {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if pathWithin(resolved, filepath.Clean(absRoot)) {
			return nil
		}
	}

	return fmt.Errorf("requested cwd %q is outside the allowed roots %v; ask the operator to add it to --allowed-cwd-paths",
		requestedCWD, s.cfg.AllowedCWDPaths)
}

// pathWithin reports whether path equals root or lives under it. A plain
// prefix check would let /workspace-evil pass for root /workspace.
func pathWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
