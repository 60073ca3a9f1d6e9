package main

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/tokensync/lib/config"
)

func TestCommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.ElementsMatch(t, []string{"serve", "backfill", "airdrop-status"}, names)
	assert.NotNil(t, root.PersistentFlags().ShorthandLookup("c"))
	assert.NotNil(t, root.PersistentFlags().ShorthandLookup("m"))

	var out bytes.Buffer

	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"airdrop-status"})
	assert.Error(t, root.Execute())
}

func TestOperatorKey(t *testing.T) {
	conf := config.Default()

	key, err := operatorKey(conf)
	require.NoError(t, err)

	raw, err := hex.DecodeString(key)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	other := conf
	other.Operator.ID = 1

	key2, err := operatorKey(other)
	require.NoError(t, err)
	assert.NotEqual(t, key, key2)

	conf.Seed = "zz"
	_, err = operatorKey(conf)
	assert.Error(t, err)
}
