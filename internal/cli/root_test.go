package cli

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "relay version")
		assert.Contains(t, output.String(), GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Relay")
		assert.Contains(t, helpText, "gateway")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, sub := range GetRootCmd().Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"start", "stop", "status", "configure"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestConfigureCommand_WritesDefaults(t *testing.T) {
	dir := t.TempDir()
	prev := cfgFile
	cfgFile = dir + "/relay.json"
	defer func() { cfgFile = prev }()

	configureForce = false
	require.NoError(t, runConfigure(configureCmd, nil))

	// A second run without --force must refuse to clobber the file.
	err := runConfigure(configureCmd, nil)
	assert.ErrorContains(t, err, "already exists")

	configureForce = true
	defer func() { configureForce = false }()
	assert.NoError(t, runConfigure(configureCmd, nil))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	// PIDs above the kernel's pid_max cannot exist.
	assert.False(t, processAlive(1<<30))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(123*time.Second))
	assert.Equal(t, "1h1m5s", formatDuration(3665*time.Second))
}
