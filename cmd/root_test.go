package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/geoattr/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"attribute", "join", "snapshot", "serve", "config"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "geoattr", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestSnapshotCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range snapshotCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["build"])
	assert.True(t, names["verify"])

	flag := snapshotCmd.PersistentFlags().Lookup("layer")
	require.NotNil(t, flag, "snapshot command should have --layer flag")
}

func TestAttributeCommand_Flags(t *testing.T) {
	flag := attributeCmd.Flags().Lookup("layer")
	require.NotNil(t, flag)
	assert.Equal(t, "county", flag.DefValue)

	flag = attributeCmd.Flags().Lookup("in")
	require.NotNil(t, flag)
	assert.Equal(t, "-", flag.DefValue)
}

func TestJoinCommand_Flags(t *testing.T) {
	for _, name := range []string{"pois", "subjects", "tagged-out", "persist"} {
		assert.NotNil(t, joinCmd.Flags().Lookup(name), "join command should have --%s flag", name)
	}
	persist := joinCmd.Flags().Lookup("persist")
	assert.Equal(t, "false", persist.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSelectedLayers(t *testing.T) {
	c := &config.Config{Layers: map[string]config.LayerConfig{
		"metro":  {},
		"county": {},
	}}
	assert.Equal(t, []string{"county", "metro"}, selectedLayers(c, nil))
	assert.Equal(t, []string{"metro"}, selectedLayers(c, []string{"metro"}))
}

func TestConfigCommand_RedactsDatabaseURL(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{
		Join:  config.JoinConfig{CoarseLayer: "metro", MinCount: 2},
		Store: config.StoreConfig{Driver: "postgres", DatabaseURL: "postgres://user:secret@db/geo"},
	}

	var buf bytes.Buffer
	configCmd.SetOut(&buf)
	t.Cleanup(func() { configCmd.SetOut(nil) })
	require.NoError(t, configCmd.RunE(configCmd, nil))

	assert.NotContains(t, buf.String(), "secret")

	var out config.Config
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "metro", out.Join.CoarseLayer)
	assert.Equal(t, "<redacted>", out.Store.DatabaseURL)
	assert.Equal(t, "postgres://user:secret@db/geo", cfg.Store.DatabaseURL)
}
