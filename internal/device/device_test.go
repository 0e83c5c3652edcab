package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

func drain(t *testing.T, d *Device) string {
	t.Helper()

	require.NoError(t, d.SetReadTimeout(30*time.Millisecond))

	var out []byte

	buf := make([]byte, 256)
	for {
		n, err := d.Read(buf)
		require.NoError(t, err)

		if n == 0 {
			return string(out)
		}

		out = append(out, buf[:n]...)
	}
}

func send(t *testing.T, d *Device, line string) string {
	t.Helper()

	_, err := d.Write([]byte(line + "\r\n"))
	require.NoError(t, err)

	return drain(t, d)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Echo = false
	opts.AutobootWindow = 200 * time.Millisecond
	opts.BootDelay = 10 * time.Millisecond

	return opts
}

func TestPoweredOffDeviceIsSilent(t *testing.T) {
	d := New(model.DefaultConsoleProfile(), testOptions())

	assert.Empty(t, send(t, d, ""))
}

func TestBootloaderUpdate(t *testing.T) {
	profile := model.DefaultConsoleProfile()
	images := model.DefaultImageSet()
	d := New(profile, testOptions())

	d.PowerOn(true)
	assert.Contains(t, drain(t, d), profile.AutobootBanner)
	assert.True(t, d.BootedFromSD())

	assert.Contains(t, send(t, d, ""), "=> ")
	assert.Contains(t, send(t, d, "update uboot mmc 1 fat "+images.Bootloader), profile.Markers.BootloaderConfirm)
	assert.Contains(t, send(t, d, "y"), profile.Markers.BootloaderDone)
	assert.Equal(t, images.Bootloader, d.Flashed[RoleBootloader])

	assert.Contains(t, send(t, d, "update uboot mmc 1 fat missing.imx"), profile.Markers.BootloaderLoadError)
	assert.Contains(t, send(t, d, "frobnicate"), "Unknown command")
}

func TestAutobootProceedsToLogin(t *testing.T) {
	profile := model.DefaultConsoleProfile()
	d := New(profile, testOptions())

	d.PowerOn(false)
	time.Sleep(250 * time.Millisecond)

	assert.Contains(t, drain(t, d), profile.LoginPrompt)
}

func TestSetupScript(t *testing.T) {
	profile := model.DefaultConsoleProfile()
	d := New(profile, testOptions())

	d.PowerOn(false)
	time.Sleep(250 * time.Millisecond)
	drain(t, d)

	assert.Contains(t, send(t, d, "root"), profile.ShellPrompt)
	assert.Contains(t, send(t, d, "./Setup.sh"), profile.Markers.SerialRequest)

	out := send(t, d, "BIO-CV1-00012345")
	assert.Contains(t, out, profile.Markers.Passphrase+" "+Passphrase("BIO-CV1-00012345"))
	assert.Contains(t, out, profile.Markers.NewPassword)

	assert.Contains(t, send(t, d, "s3cret"), profile.Markers.RepeatPassword)
	assert.Contains(t, send(t, d, "s3cret"), profile.ShellPrompt)
	assert.Equal(t, "s3cret", d.RootPassword())
	assert.Equal(t, "BIO-CV1-00012345", d.Serial)

	assert.Contains(t, send(t, d, "reboot"), profile.AutobootBanner)
}

func TestLoginWithPassword(t *testing.T) {
	profile := model.DefaultConsoleProfile()
	opts := testOptions()
	opts.RootPassword = "Allergen_lock"

	d := New(profile, opts)
	d.PowerOn(false)
	time.Sleep(250 * time.Millisecond)
	drain(t, d)

	assert.Contains(t, send(t, d, "root"), profile.PasswordPrompt)
	assert.Contains(t, send(t, d, "wrong"), profile.LoginFailure)
	assert.Contains(t, send(t, d, "root"), profile.PasswordPrompt)
	assert.Contains(t, send(t, d, "Allergen_lock"), profile.ShellPrompt)
}

func TestIgnoreAndResponses(t *testing.T) {
	profile := model.DefaultConsoleProfile()
	opts := testOptions()
	opts.Ignore = map[string]int{"saveenv": 1}
	opts.Responses = map[string]string{"version": "U-Boot 2017.03\r\n=> "}

	d := New(profile, opts)
	d.PowerOn(false)
	drain(t, d)
	send(t, d, "")

	assert.Empty(t, send(t, d, "saveenv"))
	assert.Contains(t, send(t, d, "saveenv"), profile.Markers.EnvSaved)
	assert.Equal(t, "U-Boot 2017.03\r\n=> ", send(t, d, "version"))
}

func TestPromptDelayDropsEarlyInput(t *testing.T) {
	profile := model.DefaultConsoleProfile()
	opts := testOptions()
	opts.PromptDelay = 200 * time.Millisecond

	d := New(profile, opts)
	d.PowerOn(false)
	drain(t, d)
	send(t, d, "")

	out := send(t, d, "saveenv")
	assert.Contains(t, out, profile.Markers.EnvSaved)
	assert.NotContains(t, out, "=> ")

	assert.Empty(t, send(t, d, "setenv bootcmd dboot linux mmc"))
	assert.Equal(t, []string{"setenv bootcmd dboot linux mmc"}, d.Dropped)

	time.Sleep(opts.PromptDelay)
	assert.Equal(t, "=> ", drain(t, d))

	assert.Equal(t, "=> ", send(t, d, "setenv bootcmd dboot linux mmc"))
	assert.Equal(t, "dboot linux mmc", d.Env("bootcmd"))
}
