package repl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrNoPython is returned when no usable interpreter is found.
var ErrNoPython = errors.New("no python interpreter found")

var (
	pythonOnce sync.Once
	pythonPath string
	pythonErr  error
)

// FindPython locates the interpreter used for sandboxes. RLMLOOP_PYTHON
// wins, then python3 and python on PATH. The result is cached for the
// life of the process.
func FindPython(ctx context.Context) (string, error) {
	pythonOnce.Do(func() {
		pythonPath, pythonErr = findPython(ctx)
	})
	return pythonPath, pythonErr
}

func findPython(ctx context.Context) (string, error) {
	candidates := []string{"python3", "python"}
	if env := os.Getenv("RLMLOOP_PYTHON"); env != "" {
		candidates = append([]string{env}, candidates...)
	}
	for _, c := range candidates {
		p, err := exec.LookPath(c)
		if err != nil {
			continue
		}
		if err := checkVersion(ctx, p); err != nil {
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("%w (tried %s)", ErrNoPython, strings.Join(candidates, ", "))
}

// checkVersion rejects Python 2 interpreters still found on some systems.
func checkVersion(ctx context.Context, path string) error {
	out, err := exec.CommandContext(ctx, path, "-c", "import sys; print(sys.version_info[0])").Output()
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) != "3" {
		return fmt.Errorf("%s is not python 3", path)
	}
	return nil
}
