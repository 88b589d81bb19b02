package core

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvStorePath = "ISTL_STORE_PATH"
	EnvOutputDir = "ISTL_OUTPUT_DIR"
)

// LoadEnvFile reads $XDG_CONFIG_HOME/istl/istl.env (or ~/.config/istl/istl.env)
// and returns key/value pairs. Lines starting with # are ignored. Format: KEY=VALUE
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(configBase(), "istl", "istl.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"`)
			out[k] = v
		}
	}
	return out, s.Err()
}
