package paths

import (
	"os"
	"path/filepath"
)

const envHome = "REDSTORE_HOME_DIR"

// Home returns the base directory for redstore configuration and embedded
// namespace files. Defaults to ~/.redstore, can be overridden via REDSTORE_HOME_DIR.
func Home() string {
	if v := os.Getenv(envHome); v != "" {
		return v
	}
	hd, err := os.UserHomeDir()
	if err != nil || hd == "" {
		return ".redstore"
	}
	return filepath.Join(hd, ".redstore")
}

func EnsureHome() (string, error) {
	h := Home()
	if err := os.MkdirAll(h, 0o755); err != nil {
		return "", err
	}
	return h, nil
}

// NamespacesDir is the default directory of embedded namespace files.
func NamespacesDir() string {
	return filepath.Join(Home(), "namespaces")
}
