package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateCmdFlags(t *testing.T) {
	cmd := newMigrateCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--reset", "--timeout", "5s"}))

	reset, err := cmd.Flags().GetBool("reset")
	require.NoError(t, err)
	assert.True(t, reset)

	timeout, err := cmd.Flags().GetDuration("timeout")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)
}

func TestMigrateCmdRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cmd := newMigrateCmd()
	cmd.SetArgs(nil)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestMigrateCmdRejectsExtraArgs(t *testing.T) {
	cmd := newMigrateCmd()
	cmd.SetArgs([]string{"postgres://a", "postgres://b"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	require.Error(t, cmd.Execute())
}
