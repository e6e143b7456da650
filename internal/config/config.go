// Package config resolves signing settings from command line flags, the
// environment and an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when a flag is not given.
const (
	EnvKey      = "ZSIGN_KEY"
	EnvCert     = "ZSIGN_CERT"
	EnvProfile  = "ZSIGN_PROFILE"
	EnvPassword = "ZSIGN_PASSWORD"
)

// Config holds every setting that can come from more than one source. Paths
// are used as given.
type Config struct {
	Key          string `yaml:"key,omitempty"`
	Cert         string `yaml:"cert,omitempty"`
	Profile      string `yaml:"profile,omitempty"`
	Password     string `yaml:"password,omitempty"`
	Entitlements string `yaml:"entitlements,omitempty"`
	TempDir      string `yaml:"temp_dir,omitempty"`
	SHA256Only   bool   `yaml:"sha256_only,omitempty"`
	Jobs         int    `yaml:"jobs,omitempty"`
}

// ReadFile parses a YAML config file. Unknown keys are rejected.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := new(Config)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Jobs < 0 {
		return nil, fmt.Errorf("config %s: jobs must not be negative", path)
	}
	return cfg, nil
}

// FromEnv reads the credential variables through getenv.
func FromEnv(getenv func(string) string) *Config {
	return &Config{
		Key:      getenv(EnvKey),
		Cert:     getenv(EnvCert),
		Profile:  getenv(EnvProfile),
		Password: getenv(EnvPassword),
	}
}

// Resolve merges the sources, earlier ones winning for every field that is
// set. Pass flags first, then the environment, then the file. nil sources
// are skipped.
func Resolve(sources ...*Config) Config {
	var out Config
	for i := len(sources) - 1; i >= 0; i-- {
		s := sources[i]
		if s == nil {
			continue
		}
		override(&out.Key, s.Key)
		override(&out.Cert, s.Cert)
		override(&out.Profile, s.Profile)
		override(&out.Password, s.Password)
		override(&out.Entitlements, s.Entitlements)
		override(&out.TempDir, s.TempDir)
		if s.SHA256Only {
			out.SHA256Only = true
		}
		if s.Jobs > 0 {
			out.Jobs = s.Jobs
		}
	}
	return out
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Marshal renders cfg as YAML without the password.
func (cfg Config) Marshal() ([]byte, error) {
	cfg.Password = ""
	return yaml.Marshal(cfg)
}
