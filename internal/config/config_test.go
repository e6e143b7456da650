package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zsign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestReadFile(t *testing.T) {
	path := writeConfig(t, `
key: dev.p12
profile: dev.mobileprovision
password: secret
sha256_only: true
jobs: 4
`)
	cfg, err := ReadFile(path)
	require.NoError(t, err)
	want := &Config{Key: "dev.p12", Profile: "dev.mobileprovision", Password: "secret", SHA256Only: true, Jobs: 4}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ReadFile mismatch (-want +got):\n%s", diff)
	}
}

func TestReadFile_Empty(t *testing.T) {
	cfg, err := ReadFile(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestReadFile_Errors(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = ReadFile(writeConfig(t, "kee: typo\n"))
	assert.Error(t, err)

	_, err = ReadFile(writeConfig(t, "jobs: -1\n"))
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{EnvKey: "env.pem", EnvPassword: "pw"}
	cfg := FromEnv(func(k string) string { return env[k] })
	assert.Equal(t, &Config{Key: "env.pem", Password: "pw"}, cfg)
}

func TestResolve_Precedence(t *testing.T) {
	flags := &Config{Key: "flag.p12"}
	env := &Config{Key: "env.p12", Profile: "env.mobileprovision", Password: "envpw"}
	file := &Config{Key: "file.p12", Profile: "file.mobileprovision", Cert: "file.pem", Jobs: 2, SHA256Only: true}

	got := Resolve(flags, env, file)
	want := Config{
		Key:        "flag.p12",
		Cert:       "file.pem",
		Profile:    "env.mobileprovision",
		Password:   "envpw",
		SHA256Only: true,
		Jobs:       2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_NilSources(t *testing.T) {
	got := Resolve(nil, &Config{Jobs: 3}, nil)
	assert.Equal(t, Config{Jobs: 3}, got)
}

func TestMarshal_OmitsPassword(t *testing.T) {
	data, err := Config{Key: "k.p12", Password: "secret"}.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "key: k.p12")
	assert.NotContains(t, string(data), "secret")
}
