package mgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerWaitForWorkers(t *testing.T) {
	t.Parallel()

	m := New("wait")
	assert.True(t, m.WaitForWorkers(time.Millisecond))

	started := make(chan struct{})
	m.Go("blocking", func(w *WorkerCtx) error {
		close(started)
		<-w.Done()
		return nil
	})
	<-started
	assert.False(t, m.WaitForWorkers(20*time.Millisecond))
	assert.Equal(t, 1, m.workers())

	m.Cancel()
	assert.True(t, m.WaitForWorkers(5*time.Second))
	assert.Zero(t, m.workers())
}

func TestManagerRestart(t *testing.T) {
	t.Parallel()

	var calls []string
	a := &testModule{mgr: New("a"), log: &calls}
	g := NewGroup(a)

	require.NoError(t, g.Start())
	stopped := a.mgr.Ctx()
	require.NoError(t, g.Stop())
	require.Error(t, stopped.Err())

	// Stopping the group renews the worker context.
	require.NoError(t, a.mgr.Ctx().Err())
	require.NoError(t, g.Start())

	ran := make(chan struct{})
	a.mgr.Go("again", func(*WorkerCtx) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not run after restart")
	}
	require.NoError(t, g.Stop())
	assert.Equal(t, []string{"start a", "stop a", "start a", "stop a"}, calls)
}
