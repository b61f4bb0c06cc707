package conf

import (
	"os"
	"path/filepath"
)

const (
	preferredBrandDirName = ".clawdis"
	legacyBrandDirName    = ".warelay"
	workspaceFallbackName = "clawdis"
	configDirEnvVar       = "WARELAY_CONFIG_DIR"
)

// ResolveConfigDir applies the directory resolution order from spec §6: an
// explicit env override, then the preferred brand dir, then the legacy
// brand dir, then a workspace-relative fallback, then finally an OS-temp
// subdirectory. The first candidate that is (or can be made) writable wins.
func ResolveConfigDir() string {
	home, _ := os.UserHomeDir()

	candidates := []string{
		os.Getenv(configDirEnvVar),
	}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, preferredBrandDirName),
			filepath.Join(home, legacyBrandDirName),
		)
	}
	candidates = append(candidates, filepath.Join(".", workspaceFallbackName))

	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if writable(dir) {
			return dir
		}
	}

	return filepath.Join(os.TempDir(), workspaceFallbackName)
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("x"), 0o600); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

// ConfigFilePath returns the path to the user configuration file within
// dir, preferring the "clawdis.json" name and falling back to the legacy
// "warelay.json" name if that is the only one present.
func ConfigFilePath(dir string) string {
	preferred := filepath.Join(dir, "clawdis.json")
	if _, err := os.Stat(preferred); err == nil {
		return preferred
	}
	legacy := filepath.Join(dir, "warelay.json")
	if _, err := os.Stat(legacy); err == nil {
		return legacy
	}
	return preferred
}
