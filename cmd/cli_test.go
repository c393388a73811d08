package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaskade/internal/domain"
	"kaskade/internal/pipeline"
	"kaskade/internal/session"
	"kaskade/internal/wallet"
)

func newTestApp(t *testing.T) (*app, *pipeline.Stores) {
	t.Helper()
	t.Setenv("KASKADE_CONFIG", "")
	t.Setenv("KASKADE_LOG_LEVEL", "error")
	t.Setenv("KASKADE_USE_MEMORY", "true")
	t.Setenv("KASKADE_VENUE_STUB", "true")
	t.Setenv("KASKADE_VENUE_QUOTES_URL", "")
	t.Setenv("KASKADE_SCHEDULER_TICK_INTERVAL", "20ms")
	t.Setenv("KASKADE_SCHEDULER_DEFAULT_COOLDOWN", "0s")

	a, err := wireApp()
	require.NoError(t, err)

	stores := pipeline.MemoryStores()
	a.openStores = func(context.Context) (*pipeline.Stores, func(), error) {
		return stores, func() {}, nil
	}
	return a, stores
}

func executeCLI(t *testing.T, a *app, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmdWithApp(a)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func ownerAddress(t *testing.T) string {
	t.Helper()
	addr, err := wallet.Encode(edwards25519.NewGeneratorPoint().Bytes())
	require.NoError(t, err)
	return addr
}

func TestVersion(t *testing.T) {
	a, _ := newTestApp(t)
	stdout, _, err := executeCLI(t, a, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestRunRejectsMalformedParams(t *testing.T) {
	a, _ := newTestApp(t)

	tests := []struct {
		name string
		args []string
	}{
		{"missing pair", []string{"run", "--total", "100", "--chunk", "10"}},
		{"chunk above total", []string{"run", "--pair", "TON/USDT", "--total", "100", "--chunk", "200"}},
		{"zero total", []string{"run", "--pair", "TON/USDT", "--chunk", "10"}},
		{"unknown pulse", []string{"run", "--pair", "TON/USDT", "--total", "100", "--chunk", "10", "--pulses", "moon"}},
		{"bad wallet", []string{"run", "--pair", "TON/USDT", "--total", "100", "--chunk", "10", "--wallet", "0OIl"}},
		{"missing wallet", []string{"run", "--pair", "TON/USDT", "--total", "200", "--chunk", "20"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCLI(t, a, tt.args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, session.ErrInvalidPlan)
		})
	}
}

func TestRunExecutesPlanToCompletion(t *testing.T) {
	a, stores := newTestApp(t)

	stdout, _, err := executeCLI(t, a,
		"run",
		"--pair", "TON/USDT",
		"--total", "100",
		"--chunk", "20",
		"--pulses", "spread",
		"--wallet", ownerAddress(t),
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "chunks=5")
	assert.Contains(t, stdout, "pulse detected, executing chunk 1/5 (20 TON)")
	assert.Contains(t, stdout, "chunk 5/5 executed")
	assert.Contains(t, stdout, "session completed: executed_in=100")

	sessions, err := stores.Sessions.ListByUser(context.Background(), "local")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionCompleted, sessions[0].State)

	stdout, _, err = executeCLI(t, a, "status", "--user", "local", "--json")
	require.NoError(t, err)
	var statuses []sessionStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "completed", statuses[0].State)
	assert.Equal(t, "5/5", statuses[0].Chunks)
	assert.Equal(t, []string{"spread"}, statuses[0].Pulses)
}

func TestRunPlanFileWithOverrides(t *testing.T) {
	a, _ := newTestApp(t)

	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, session.SavePlanFile(path, &session.PlanParams{
		UserID:        "u1",
		Pair:          "TON/USDT",
		TotalAmountIn: 100,
		ChunkAmountIn: 20,
	}))

	_, _, err := executeCLI(t, a, "run", "--plan", path, "--chunk", "500")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrInvalidPlan)

	_, _, err = executeCLI(t, a, "run", "--plan", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCancelAndStatus(t *testing.T) {
	a, stores := newTestApp(t)

	sess, err := session.NewPlan(session.PlanParams{
		UserID:        "u1",
		Pair:          "TON/USDT",
		TotalAmountIn: 100,
		ChunkAmountIn: 20,
		Wallet:        ownerAddress(t),
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, stores.Sessions.Insert(context.Background(), sess))

	stdout, _, err := executeCLI(t, a, "status", sess.ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "TON/USDT")
	assert.Contains(t, stdout, "active")

	stdout, _, err = executeCLI(t, a, "cancel", sess.ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "cancelled")

	got, err := stores.Sessions.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, got.State)

	_, _, err = executeCLI(t, a, "cancel", "missing")
	assert.Error(t, err)

	_, _, err = executeCLI(t, a, "status")
	assert.Error(t, err)
}

func TestMigrateRequiresDSNs(t *testing.T) {
	a, _ := newTestApp(t)
	_, _, err := executeCLI(t, a, "migrate")
	assert.Error(t, err)
}
