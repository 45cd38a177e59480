package config

import (
	"os"
	"path/filepath"
)

// JoiPath returns the root directory for joi data.
// It uses $JOI_PATH if set, otherwise defaults to ~/.joi.
func JoiPath() string {
	if v := os.Getenv("JOI_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".joi")
	}
	return filepath.Join(home, ".joi")
}

// ConfigPath returns the path to the config file. A config.yaml takes
// precedence when no config.jsonc exists.
func ConfigPath() string {
	jsonc := filepath.Join(JoiPath(), "config.jsonc")
	if _, err := os.Stat(jsonc); err == nil {
		return jsonc
	}
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(JoiPath(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return jsonc
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(JoiPath(), ".env")
}
