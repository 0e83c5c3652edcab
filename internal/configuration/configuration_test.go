package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

const testConfig = `
port: /dev/ttyUSB0
transcript_file: /tmp/sbcflash.log
images:
  rootfs: custom-image.rootfs.ext4
application:
  model: BIO
  build: CV1
nats:
  url: nats://nats:4222
console:
  shell_prompt: "root@board:"
  timeouts:
    flash: 45s
  errors:
    - Bad Data CRC
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sbcflash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("SBCFLASH_METRICS_ADDRESS", "127.0.0.1:9999")

	cfg, err := Load(&model.Args{
		ConfigFile:  writeConfig(t, testConfig),
		Port:        "/dev/ttyUSB1",
		Application: model.ApplicationParams{Unit: 7},
	})
	require.NoError(t, err)

	defaults := model.DefaultConsoleProfile()

	assert.Equal(t, "/dev/ttyUSB1", cfg.Port)
	assert.Equal(t, "/tmp/sbcflash.log", cfg.TranscriptFile)
	assert.Equal(t, "127.0.0.1:9999", cfg.MetricsAddress)

	assert.Equal(t, "custom-image.rootfs.ext4", cfg.Images.Rootfs)
	assert.Equal(t, model.DefaultImageSet().Boot, cfg.Images.Boot)

	assert.Equal(t, "BIO", cfg.Application.Model)
	assert.Equal(t, "CV1", cfg.Application.Build)
	assert.Equal(t, uint64(7), cfg.Application.Unit)

	assert.Equal(t, "nats://nats:4222", cfg.NatsConfig.URL)
	assert.Equal(t, DefaultNatsSubject, cfg.NatsConfig.Subject)

	assert.Equal(t, "root@board:", cfg.Console.ShellPrompt)
	assert.Equal(t, defaults.BootloaderPrompt, cfg.Console.BootloaderPrompt)
	assert.Equal(t, 45*time.Second, cfg.Console.Timeouts.Flash)
	assert.Equal(t, defaults.Timeouts.Rootfs, cfg.Console.Timeouts.Rootfs)
	assert.Equal(t, []string{"Bad Data CRC"}, cfg.Console.Errors)
}

func TestLoadProfilingAddress(t *testing.T) {
	t.Setenv("SBCFLASH_PROFILING_ADDRESS", "127.0.0.1:6060")

	cfg, err := Load(&model.Args{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6060", cfg.ProfilingAddress)

	cfg, err = Load(&model.Args{DryRun: true, EnableProfiling: true, ProfilingAddress: "127.0.0.1:6061"})
	require.NoError(t, err)
	assert.True(t, cfg.EnableProfiling)
	assert.Equal(t, "127.0.0.1:6061", cfg.ProfilingAddress)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(&model.Args{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.True(t, errors.Is(err, model.ErrConfig))
}

func TestLoadDefaultsForDryRun(t *testing.T) {
	cfg, err := Load(&model.Args{DryRun: true})
	require.NoError(t, err)

	assert.True(t, cfg.DryRun)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, model.DefaultImageSet(), *cfg.Images)
	assert.Equal(t, model.DefaultConsoleProfile(), *cfg.Console)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr bool
	}{
		{
			name:    "no port",
			mutate:  func(*Configuration) {},
			wantErr: true,
		},
		{
			name:   "dry run needs no port",
			mutate: func(c *Configuration) { c.DryRun = true },
		},
		{
			name:   "port set",
			mutate: func(c *Configuration) { c.Port = "/dev/ttyUSB0" },
		},
		{
			name: "zero timeout",
			mutate: func(c *Configuration) {
				c.Port = "/dev/ttyUSB0"
				c.Console.Timeouts.Interrupt = 0
			},
			wantErr: true,
		},
		{
			name: "empty prompt",
			mutate: func(c *Configuration) {
				c.Port = "/dev/ttyUSB0"
				c.Console.BootloaderPrompt = ""
			},
			wantErr: true,
		},
		{
			name: "negative retries",
			mutate: func(c *Configuration) {
				c.Port = "/dev/ttyUSB0"
				c.Console.Retries.Flash = -1
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New()
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.wantErr {
				assert.True(t, errors.Is(err, model.ErrConfig))
				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestNewDoesNotShareProfile(t *testing.T) {
	a, b := New(), New()
	a.Console.Errors[0] = "changed"

	assert.NotEqual(t, "changed", b.Console.Errors[0])
}
