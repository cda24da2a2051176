package repl

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

//go:embed bootstrap.py
var embeddedBootstrap []byte

var (
	bootstrapOnce sync.Once
	bootstrapFile string
	bootstrapErr  error
)

// bootstrapPath returns the path of the bootstrap script, extracting the
// embedded copy to a temp dir on first use. RLMLOOP_BOOTSTRAP overrides it
// during development.
func bootstrapPath() (string, error) {
	if p := os.Getenv("RLMLOOP_BOOTSTRAP"); p != "" {
		return filepath.Abs(p)
	}
	bootstrapOnce.Do(func() {
		bootstrapFile, bootstrapErr = extractEmbeddedBootstrap()
	})
	return bootstrapFile, bootstrapErr
}

func extractEmbeddedBootstrap() (string, error) {
	if len(embeddedBootstrap) == 0 {
		return "", fmt.Errorf("embedded bootstrap.py is empty")
	}

	tmpDir, err := os.MkdirTemp("", "rlmloop-sandbox-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	path := filepath.Join(tmpDir, "bootstrap.py")
	if err := os.WriteFile(path, embeddedBootstrap, 0o644); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("write bootstrap.py: %w", err)
	}
	return path, nil
}
