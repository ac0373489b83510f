package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_FlagsOverrideConfig(t *testing.T) {
	t.Setenv("FAILOVER_CLUSTER", "from-env")

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"flagfile", "--backend", "zookeeper", "--cluster-name", "db", "--interval", "1s"})

	err := root.Execute()
	require.Error(t, err)
	assert.ErrorContains(t, err, `unknown backend "zookeeper"`)
	assert.NotContains(t, err.Error(), "cluster name is empty")
}

func TestRootCmd_ValidatesBeforeConnecting(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"redis", "--cluster-name", "", "--interval", "10s"})

	err := root.Execute()
	require.Error(t, err)
	assert.ErrorContains(t, err, "cluster name is empty")
	assert.ErrorContains(t, err, "must be at least twice the tick interval")
}

func TestRootCmd_HasAdapterCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"mysql", "redis", "script", "flagfile"})
}
