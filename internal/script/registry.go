package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Registry resolves script references to loadable sources. Resolve maps a
// short name or path to an absolute path; Load reads the script text.
type Registry interface {
	Resolve(nameOrPath string) (string, error)
	Load(path string) (string, error)
}

// FileRegistry resolves short names through a JSON registry file
// (name -> path, relative paths resolved against the registry directory) and
// falls back to treating the reference as a literal file path.
type FileRegistry struct {
	// Path of the registry JSON file. May point at a missing file, in which
	// case only literal paths resolve.
	Path string
}

// NewFileRegistry returns a registry backed by the given JSON file.
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{Path: path}
}

func (r *FileRegistry) entries() (map[string]string, string, error) {
	regPath, err := filepath.Abs(r.Path)
	if err != nil {
		return nil, "", err
	}
	regDir := filepath.Dir(regPath)

	data, err := os.ReadFile(regPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, regDir, nil
		}
		return nil, "", fmt.Errorf("read registry: %w", err)
	}

	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, "", fmt.Errorf("registry must be a JSON object (name -> path): %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out, regDir, nil
}

// Resolve maps a short name (via the registry) or a literal path to an
// absolute script path. Relative literal paths are tried against the registry
// directory first, then the working directory.
func (r *FileRegistry) Resolve(nameOrPath string) (string, error) {
	key := strings.TrimSpace(nameOrPath)
	if key == "" {
		return "", fmt.Errorf("script name/path is empty")
	}

	reg, regDir, err := r.entries()
	if err != nil {
		return "", err
	}

	if rel, ok := reg[key]; ok {
		p := rel
		if !filepath.IsAbs(p) {
			p = filepath.Join(regDir, p)
		}
		p, _ = filepath.Abs(p)
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("registry entry points to missing file: %s -> %s", key, p)
		}
		return p, nil
	}

	if filepath.IsAbs(key) {
		if _, err := os.Stat(key); err == nil {
			return key, nil
		}
		return "", fmt.Errorf("unknown script %q (not in registry, file not found)", key)
	}
	for _, base := range []string{regDir, ""} {
		p, err := filepath.Abs(filepath.Join(base, key))
		if err != nil {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown script %q (not in registry, file not found)", key)
}

// Load reads a resolved script file.
func (r *FileRegistry) Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load script: %w", err)
	}
	return string(data), nil
}
