package engine

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jirutka/knot-resolver/service/mgr"
	"github.com/jirutka/knot-resolver/service/modules/builtin"
	"github.com/jirutka/knot-resolver/service/resolver"
)

const rootDS = ". 3600 IN DS 20326 8 2 E06D44B80B8F1D39A95C0B0D7C65D08458E880409BBC683457104237C7F8EC8D"

func noListen(name string) string {
	if name == "KRESD_NO_LISTEN" {
		return "1"
	}
	return ""
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	if cfg.StorageDir == "" {
		cfg.StorageDir = t.TempDir()
	}
	if cfg.Getenv == nil {
		cfg.Getenv = noListen
	}
	m := mgr.New("engine")
	e, err := New(m, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Deinit())
		m.Cancel()
		assert.True(t, m.WaitForWorkers(5*time.Second))
	})
	return e
}

func evalOK(t *testing.T, e *Engine, cmd string) string {
	t.Helper()

	result, err := e.Eval(cmd)
	require.NoError(t, err, cmd)
	return result
}

func evalRawOK(t *testing.T, e *Engine, cmd string) string {
	t.Helper()

	result, err := e.EvalRaw(cmd)
	require.NoError(t, err, cmd)
	return result
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	assert.Equal(t, StateInitialized, e.State())

	names, err := e.Modules()
	require.NoError(t, err)
	assert.Equal(t, builtin.DefaultStages, names)

	require.NoError(t, e.Start(NoConfig))
	assert.Equal(t, StateRunning, e.State())
	assert.ErrorIs(t, e.Start(NoConfig), ErrInvalidState)

	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, hostname, evalOK(t, e, "hostname()"))
	assert.Empty(t, evalOK(t, e, "var x = 1"))

	e.Stop()
	e.Stop()
	assert.Equal(t, StateStopped, e.State())
	select {
	case <-e.Stopping():
	default:
		t.Fatal("engine not stopping")
	}
	<-e.loop.Done()
	_, err = e.Eval("1")
	assert.ErrorIs(t, err, mgr.ErrLoopStopped)

	require.NoError(t, e.Deinit())
	require.NoError(t, e.Deinit())
	assert.Equal(t, StateUninitialized, e.State())
}

func TestDeinitWithoutStart(t *testing.T) {
	t.Parallel()

	m := mgr.New("engine")
	e, err := New(m, Config{StorageDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, e.Deinit())
	m.Cancel()
	assert.True(t, m.WaitForWorkers(5*time.Second))
}

func TestNewFailsOnStorage(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	m := mgr.New("engine")
	_, err := New(m, Config{StorageDir: file})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open storage")
	m.Cancel()
	assert.True(t, m.WaitForWorkers(5*time.Second))
}

func TestStartWithConfig(t *testing.T) {
	t.Parallel()

	config := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(config, []byte(`
option('NO_MINIMIZE', true);
net.listen('127.0.0.1', 0, {tcp: false});
trustanchor('`+rootDS+`');
`), 0o600))

	e := newTestEngine(t, Config{Getenv: func(string) string { return "" }})
	require.NoError(t, e.Start(config))

	assert.Equal(t, "true", evalOK(t, e, "option('NO_MINIMIZE')"))
	assert.Equal(t, "false", evalOK(t, e, "option('NO_IPV6')"))

	// The configuration listens, so the defaults do not.
	list := e.Network().List()
	require.Len(t, list, 1)
	assert.True(t, list[0].UDP)
	assert.False(t, list[0].TCP)
	assert.Equal(t, "1", evalOK(t, e, "net.list().length"))

	assert.Equal(t, "true", evalOK(t, e, "net.close('127.0.0.1', "+evalOK(t, e, "net.list()[0].port")+")"))
	assert.Equal(t, "false", evalOK(t, e, "net.close('127.0.0.1', 1)"))
	assert.Zero(t, e.Network().Len())
}

func TestStartConfigError(t *testing.T) {
	t.Parallel()

	config := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(config, []byte("option('NO_SUCH_OPTION', true)"), 0o600))

	e := newTestEngine(t, Config{})
	err := e.Start(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid option name")
	assert.Nil(t, e.maintenance)
	assert.Equal(t, StateInitialized, e.State())
}

func TestStartMissingConfig(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	require.NoError(t, e.Start(filepath.Join(t.TempDir(), "missing")))
	assert.Zero(t, e.Network().Len())
	assert.Equal(t, "1024", evalOK(t, e, "KB"))
}

func TestSandbox(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := filepath.Join(dir, "extra.js")
	require.NoError(t, os.WriteFile(script, []byte("var extra = 40 + 2; extra"), 0o600))

	e := newTestEngine(t, Config{Getenv: func(name string) string {
		if name == "HOME" {
			return "/home/operator"
		}
		return noListen(name)
	}})
	require.NoError(t, e.Start(NoConfig))

	assert.Equal(t, "undefined", evalOK(t, e, "typeof getenv"))
	assert.Equal(t, "undefined", evalOK(t, e, "typeof dofile"))
	assert.Equal(t, `"function"`, evalRawOK(t, e, "typeof getenv"))
	assert.Equal(t, `"/home/operator"`, evalRawOK(t, e, "getenv('HOME')"))
	assert.Equal(t, "42", evalRawOK(t, e, "dofile('"+script+"')"))
	assert.Equal(t, "42", evalOK(t, e, "extra"))

	_, err := e.Eval("dofile('" + script + "')")
	assert.Error(t, err)

	// Builtins cannot be replaced.
	evalOK(t, e, "help = 1")
	assert.Contains(t, evalOK(t, e, "help()"), "map(expr)")
}

func TestBuiltins(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{WorkerID: 2, WorkerCount: 4, ModuleDir: "/usr/lib/kdns_modules", EtcDir: "/etc/kresd"})
	require.NoError(t, e.Start(NoConfig))

	_, err := e.Eval("option('BOGUS')")
	assert.EqualError(t, err, "invalid option name")
	assert.Equal(t, "false", evalOK(t, e, "option()"))
	assert.Equal(t, "true", evalOK(t, e, "option('TCP', 1)"))
	assert.Equal(t, "false", evalOK(t, e, "option('TCP', false)"))

	_, err = e.Eval("trustanchor('. IN DS garbage')")
	assert.EqualError(t, err, resolver.ErrInvalidAnchor.Error())
	_, err = e.Eval("trustanchor('bad..owner', false)")
	assert.EqualError(t, err, resolver.ErrInvalidOwner.Error())
	assert.Empty(t, evalOK(t, e, "trustanchor('')"))
	assert.Equal(t, "true", evalOK(t, e, "trustanchor('"+rootDS+"')"))
	assert.Equal(t, 1, e.Resolver().TrustAnchors.Len())
	assert.Equal(t, "true", evalOK(t, e, "trustanchor('.', false)"))
	assert.Equal(t, "false", evalOK(t, e, "trustanchor('.', false)"))

	assert.Equal(t, "libknot.so.7", evalOK(t, e, "libpath('libknot', 7)"))
	assert.Empty(t, evalOK(t, e, "libpath('libknot')"))
	assert.Equal(t, `{"a":1,"b":[true,"x"]}`, evalOK(t, e, "tojson({a: 1, b: [true, 'x']})"))

	assert.Equal(t, "/usr/lib/kdns_modules", evalOK(t, e, "moduledir"))
	assert.Equal(t, "/etc/kresd", evalOK(t, e, "etcdir"))
	assert.Equal(t, "2", evalOK(t, e, "worker.id"))
	assert.Equal(t, "4", evalOK(t, e, "worker.count"))
	assert.Equal(t, `true`, evalRawOK(t, e, "worker.stats().rss > 0"))

	_, err = e.Eval("user('no-such-user-here')")
	assert.EqualError(t, err, "invalid user name")

	assert.Equal(t, "0", evalOK(t, e, "cache.count()"))
	assert.Equal(t, "0", evalOK(t, e, "rrcache.count()"))
	assert.Equal(t, "0", evalOK(t, e, "cache.clear()"))
}

func TestVerbose(t *testing.T) { //nolint:paralleltest // Modifies global log level.
	e := newTestEngine(t, Config{})
	require.NoError(t, e.Start(NoConfig))

	assert.Equal(t, "true", evalOK(t, e, "verbose(true)"))
	assert.Equal(t, "true", evalOK(t, e, "verbose()"))
	assert.Equal(t, "false", evalOK(t, e, "verbose(false)"))
}

func TestModulePipeline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.js"), []byte(`
exports.hello = function() { return 'a'; };
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.js"), []byte(`
var seen = null;
exports.config = function(cfg) { seen = cfg; };
exports.seen = function() { return seen; };
`), 0o600))

	e := newTestEngine(t, Config{ModuleDir: dir})
	require.NoError(t, e.Start(NoConfig))

	assert.Equal(t, "true", evalOK(t, e, "modules.load('a')"))
	assert.Equal(t, "true", evalOK(t, e, "modules.load('b < a')"))
	assert.Equal(t,
		`["iterate","validate","rrcache","pktcache","b","a"]`,
		evalRawOK(t, e, "modules.list()"),
	)
	assert.Equal(t, `"a"`, evalRawOK(t, e, "a.hello()"))
	assert.Equal(t, "true", evalRawOK(t, e, "Object.isFrozen(a)"))

	assert.Empty(t, evalOK(t, e, "b.config({port: 53})"))
	assert.Equal(t, `{"port":53}`, evalRawOK(t, e, "b.seen()"))

	assert.Equal(t, "true", evalOK(t, e, "modules.unload('a')"))
	names, err := e.Modules()
	require.NoError(t, err)
	assert.Equal(t, []string{"iterate", "validate", "rrcache", "pktcache", "b"}, names)
	assert.Equal(t, "undefined", evalOK(t, e, "typeof a"))

	_, err = e.Eval("modules.unload('a')")
	assert.EqualError(t, err, "not found")
	_, err = e.Eval("modules.load('c after a')")
	assert.ErrorContains(t, err, "reference not found")
	_, err = e.Eval("modules.load('missing')")
	assert.ErrorContains(t, err, "module not found")
	_, err = e.Eval("modules.load('b before')")
	assert.ErrorContains(t, err, "invalid precedence")
	names, err = e.Modules()
	require.NoError(t, err)
	assert.Equal(t, []string{"iterate", "validate", "rrcache", "pktcache", "b"}, names)

	// Without siblings, only the local result is collected.
	assert.Equal(t, "1", evalRawOK(t, e, "map('1').length"))
	assert.Equal(t, `[["iterate","validate","rrcache","pktcache","b"]]`, evalRawOK(t, e, "map('modules.list()')"))
}

func TestMapSiblings(t *testing.T) {
	t.Parallel()

	leader, worker := net.Pipe()
	broken, brokenWorker := net.Pipe()
	require.NoError(t, brokenWorker.Close())

	sibling := newTestEngine(t, Config{WorkerID: 1, WorkerCount: 3})
	require.NoError(t, sibling.Start(NoConfig))
	done := make(chan error, 1)
	go func() {
		done <- sibling.ServePipe(context.Background(), worker)
	}()

	e := newTestEngine(t, Config{
		WorkerID:    0,
		WorkerCount: 3,
		Pipes:       []io.ReadWriteCloser{leader, broken},
	})
	require.NoError(t, e.Start(NoConfig))

	assert.Equal(t, "[0,1,false]", evalRawOK(t, e, "map('worker.id')"))
	assert.Equal(t, `["x","x",false]`, evalRawOK(t, e, `map('"x"')`))
	assert.Equal(t, "[null,null,false]", evalRawOK(t, e, "map('var y = 1')"))

	// Operator commands are sandboxed, the local slot of map() is not.
	assert.Equal(t, "function,function,false", evalOK(t, e, "map('typeof getenv').join()"))
	assert.Equal(t, "undefined", evalOK(t, e, "typeof getenv"))

	// Closing the leader side ends the sibling's serve loop.
	require.NoError(t, e.Deinit())
	assert.NoError(t, <-done)
}

func TestQuit(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	require.NoError(t, e.Start(NoConfig))
	assert.Empty(t, evalOK(t, e, "quit()"))

	select {
	case <-e.Stopping():
	case <-time.After(5 * time.Second):
		t.Fatal("quit did not stop the engine")
	}
}

func TestMaintenanceEvictsSlowServers(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{MaintenanceInterval: 10 * time.Millisecond})
	require.NoError(t, e.loop.Call(func() error {
		e.resolver.UpdateRTT("192.0.2.1", resolver.ConnRTTMax)
		e.resolver.UpdateRTT("192.0.2.2", 10)
		return nil
	}))
	require.NoError(t, e.Start(NoConfig))

	assert.Eventually(t, func() bool {
		var slow bool
		_ = e.loop.Call(func() error {
			_, slow = e.resolver.RTTScore("192.0.2.1")
			return nil
		})
		return !slow
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.loop.Call(func() error {
		_, ok := e.resolver.RTTScore("192.0.2.2")
		assert.True(t, ok)
		return nil
	}))
}
