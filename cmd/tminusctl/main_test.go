package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenStoreAppliesMigrationsAndIsNamespacedPerUser(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMINUS_DATA_DIR", dir)

	store, err := openStore(context.Background(), "", "user-1")
	require.NoError(t, err)
	defer store.Close()

	require.FileExists(t, filepath.Join(dir, "users", "user-1", "store.db"))

	letters, err := store.ListMirrorDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func TestDeadLettersCmdRunsAgainstEmptyStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMINUS_DATA_DIR", dir)
	configPath, userID := "", "user-1"

	cmd := deadLettersCmd(&configPath, &userID)
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestGrantsCmdRunsAgainstEmptyStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMINUS_DATA_DIR", dir)
	configPath, userID := "", "user-1"

	cmd := grantsCmd(&configPath, &userID)
	require.NoError(t, cmd.Flags().Set("org", "org-1"))
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestSweepCmdRunsAgainstEmptyStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMINUS_DATA_DIR", dir)
	configPath, userID := "", "user-1"

	cmd := sweepCmd(&configPath, &userID)
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.RunE(cmd, nil))
}
