package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigPrintCmdRunEMarshalsLoadedConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := configPrintCmd.RunE(configPrintCmd, nil)
	require.NoError(t, err)

	var decoded map[string]any
	out, err := yaml.Marshal(mountConfig)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "cache")
	assert.Contains(t, decoded, "log")
}
