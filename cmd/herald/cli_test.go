package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/app"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeLedgerFixture(t *testing.T, ids string) string {
	t.Helper()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "replied.json")
	require.NoError(t, os.WriteFile(ledgerPath, []byte(ids), 0o600))
	cfgPath := filepath.Join(dir, "herald.yaml")
	cfg := fmt.Sprintf("ledger:\n  path: %q\n", ledgerPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath
}

func TestLedgerList(t *testing.T) {
	cfg := writeLedgerFixture(t, `["42", "7"]`)

	stdout, _, err := executeCLI(t, "--config", cfg, "ledger", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "42\n")
	assert.Contains(t, stdout, "total: 2")

	stdout, _, err = executeCLI(t, "-c", cfg, "ledger", "list", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `["42","7"]`, stdout)
}

func TestLedgerCheck(t *testing.T) {
	cfg := writeLedgerFixture(t, `["42"]`)

	stdout, _, err := executeCLI(t, "-c", cfg, "ledger", "check", "42")
	require.NoError(t, err)
	assert.Equal(t, "42: replied\n", stdout)

	stdout, _, err = executeCLI(t, "-c", cfg, "ledger", "check", "99")
	require.NoError(t, err)
	assert.Equal(t, "99: not replied\n", stdout)

	_, _, err = executeCLI(t, "-c", cfg, "ledger", "check")
	assert.Error(t, err)
}

func TestLedgerRejectsUnknownDriver(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "herald.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"ledger":{"driver":"redis"}}`), 0o600))

	_, _, err := executeCLI(t, "-c", cfgPath, "ledger", "list")
	assert.ErrorContains(t, err, "unknown ledger.driver")
}

func TestStopLegacyRejectsBroadPattern(t *testing.T) {
	_, _, err := executeCLI(t, "stop-legacy", "*")
	assert.ErrorContains(t, err, "too broad")

	_, _, err = executeCLI(t, "stop-legacy")
	assert.Error(t, err)
}

func TestRunFailsOnMissingConfig(t *testing.T) {
	_, _, err := executeCLI(t, "-c", filepath.Join(t.TempDir(), "missing.json"), "run")
	assert.ErrorContains(t, err, "load config")
}

func TestWatchStopSignalsCancelsOnTerm(t *testing.T) {
	sigs := make(chan os.Signal, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	end := watchStopSignals(sigs, cancel)

	sigs <- syscall.SIGHUP
	sigs <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM did not cancel")
	}
	reason, ok := end()
	assert.True(t, ok)
	assert.Equal(t, app.StopSIGTERM, reason)
}

func TestWatchStopSignalsLeavesLaterSignals(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	end := watchStopSignals(sigs, cancel)
	_, ok := end()
	assert.False(t, ok)
	assert.NoError(t, ctx.Err())

	sigs <- os.Interrupt
	reason, ok := stopReason(<-sigs)
	assert.True(t, ok)
	assert.Equal(t, app.StopSIGINT, reason)
}
