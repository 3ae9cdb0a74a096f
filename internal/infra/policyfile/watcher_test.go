package policyfile

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))

	var reloads atomic.Int32
	w := NewWatcher(path, func(context.Context) error {
		reloads.Add(1)
		return nil
	}, zaptest.NewLogger(t)).WithDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies+"\n"), 0o600))

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	other := filepath.Join(filepath.Dir(path), "unrelated.yaml")
	before := reloads.Load()
	require.NoError(t, os.WriteFile(other, []byte("x: 1"), 0o600))
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, before, reloads.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
