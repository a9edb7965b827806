package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"diagd/internal/security"
)

// Encode renders cfg in the format named by ext (".toml", ".json",
// ".yaml" or ".yml"). Unknown extensions produce TOML.
func Encode(cfg *Config, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# diagd configuration\n")
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// SaveConfig atomically writes the configuration to path with owner-only
// permissions.
func SaveConfig(cfg *Config, path string) error {
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	w, err := security.NewAtomicFileWriter(path, security.PermPrivateFile, security.PermPrivateDir)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return fmt.Errorf("write config: %w", err)
	}
	if err := w.Commit(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
