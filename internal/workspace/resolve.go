package workspace

import "github.com/matheus3301/convsync/internal/config"

const DefaultName = "main"

// Resolve determines the active workspace name using precedence:
// 1. flagOverride (--workspace flag)
// 2. cfg.DefaultWorkspace (config.toml or CONVSYNC_WORKSPACE)
// 3. "main"
func Resolve(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DefaultWorkspace != "" {
		return cfg.DefaultWorkspace
	}
	return DefaultName
}
