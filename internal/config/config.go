// Package config loads the configuration launchers use to construct a
// client.Engine or server.Manager. The engines themselves take a plain Go
// struct (spec.md §6) — this package is the ambient YAML-file loading seam
// around that, matching the pack's own separation of core libraries from
// config parsing.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a config file shared by both the client and
// server launchers; a launcher reads only the fields relevant to its role.
type File struct {
	ServerAddress string `yaml:"server_address"`
	ServerPort    int    `yaml:"server_port"`
	ClientID      string `yaml:"client_id,omitempty"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	SSID          string `yaml:"ssid,omitempty"`
	Password      string `yaml:"password,omitempty"`
	WatchdogSecs  int    `yaml:"watchdog,omitempty"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, errors.Wrapf(err, "parsing config %s", path)
	}
	return f, nil
}

// Default returns the spec's documented defaults: port 8123, 2000ms
// timeout.
func Default() File {
	return File{ServerPort: 8123, TimeoutMS: 2000}
}
