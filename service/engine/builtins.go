package engine

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"

	"github.com/dop251/goja"
	"golang.org/x/sys/unix"

	"github.com/jirutka/knot-resolver/base/log"
	"github.com/jirutka/knot-resolver/service/resolver"
)

const helpText = `help()
    show this help
quit()
    quit
hostname()
    hostname
user(name[, group])
    change process user (and group)
verbose(true|false)
    toggle verbose mode
option(opt[, new_val])
    get/set server option
tojson(val)
    convert value to JSON
trustanchor(rr[, enable])
    add or remove a trust anchor
map(expr)
    run expression on all workers
net
    network configuration
cache
    cache configuration
modules
    modules configuration
worker
    worker information`

func (e *Engine) installBuiltins() error {
	builtins := []struct {
		name  string
		value any
	}{
		{"help", e.help},
		{"quit", e.quit},
		{"hostname", e.hostname},
		{"verbose", e.verbose},
		{"option", e.option},
		{"user", e.setUser},
		{"trustanchor", e.trustAnchor},
		{"libpath", e.libPath},
		{"tojson", e.toJSON},
		{"map", e.mapCmd},
		{"moduledir", e.cfg.ModuleDir},
		{"etcdir", e.cfg.EtcDir},
		{"modules", e.modulesBindings()},
		{"net", e.netBindings()},
		{"cache", e.cacheBindings()},
		{"worker", e.workerBindings()},
	}
	for _, b := range builtins {
		if err := e.env.SetBuiltin(b.name, b.value); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
	}

	privileged := []struct {
		name  string
		value any
	}{
		{"dofile", e.doFile},
		{"getenv", e.getenv},
	}
	for _, b := range privileged {
		if err := e.env.SetPrivileged(b.name, b.value); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
	}
	return nil
}

// isSet reports whether an argument was given as a boolean or a number.
func isSet(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	switch v.Export().(type) {
	case bool, int64, float64:
		return true
	}
	return false
}

// isString reports whether an argument was given as a string or a number.
func isString(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	switch v.Export().(type) {
	case string, int64, float64:
		return true
	}
	return false
}

func (e *Engine) help(goja.FunctionCall) goja.Value {
	return e.env.Runtime().ToValue(helpText)
}

func (e *Engine) quit(goja.FunctionCall) goja.Value {
	e.mgr.Info("quit requested")
	e.Stop()
	return goja.Undefined()
}

func (e *Engine) hostname(goja.FunctionCall) goja.Value {
	name, err := os.Hostname()
	if err != nil {
		e.env.Throw("%s", err)
	}
	return e.env.Runtime().ToValue(name)
}

func (e *Engine) verbose(call goja.FunctionCall) goja.Value {
	if arg := call.Argument(0); isSet(arg) {
		log.SetVerbose(arg.ToBoolean())
	}
	return e.env.Runtime().ToValue(log.IsVerbose())
}

func (e *Engine) option(call goja.FunctionCall) goja.Value {
	var flag resolver.Flag
	if name := call.Argument(0); isString(name) {
		f, ok := resolver.FlagByName(name.String())
		if !ok {
			e.env.Throw("invalid option name")
		}
		flag = f
	}
	if flag == 0 {
		return e.env.Runtime().ToValue(false)
	}

	if arg := call.Argument(1); isSet(arg) {
		e.resolver.SetOption(flag, arg.ToBoolean())
	}
	return e.env.Runtime().ToValue(e.resolver.HasOption(flag))
}

func (e *Engine) setUser(call goja.FunctionCall) goja.Value {
	name := call.Argument(0)
	if !isString(name) {
		e.env.Throw("user(user[, group])")
	}
	u, err := user.Lookup(name.String())
	if err != nil {
		e.env.Throw("invalid user name")
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		e.env.Throw("invalid user name")
	}

	gid := os.Getgid()
	if group := call.Argument(1); isString(group) {
		g, err := user.LookupGroup(group.String())
		if err != nil {
			e.env.Throw("invalid group name")
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			e.env.Throw("invalid group name")
		}
	}

	if err := dropPrivileges(uid, gid); err != nil {
		e.env.Throw("%s", err)
	}
	e.mgr.Info("changed process user", "uid", uid, "gid", gid)
	return e.env.Runtime().ToValue(true)
}

// dropPrivileges switches the group first, it is not permitted anymore
// after the user has changed.
func dropPrivileges(uid, gid int) error {
	if gid != os.Getgid() {
		if err := unix.Setregid(gid, gid); err != nil {
			return err
		}
	}
	if uid != os.Getuid() {
		if err := unix.Setreuid(uid, uid); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) trustAnchor(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if !isString(arg) || arg.String() == "" {
		return goja.Undefined()
	}
	enable := true
	if v := call.Argument(1); isSet(v) {
		enable = v.ToBoolean()
	}

	// Disabling only needs the owner.
	if !enable {
		removed, err := e.resolver.TrustAnchors.Remove(arg.String())
		if err != nil {
			e.env.Throw("%s", err)
		}
		return e.env.Runtime().ToValue(removed)
	}

	if err := e.resolver.TrustAnchors.Add(arg.String()); err != nil {
		e.env.Throw("%s", err)
	}
	return e.env.Runtime().ToValue(true)
}

func (e *Engine) libPath(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) < 2 {
		return goja.Undefined()
	}
	name, version := call.Argument(0).String(), call.Argument(1).String()

	var path string
	switch runtime.GOOS {
	case "darwin":
		path = fmt.Sprintf("%s.%s.dylib", name, version)
	case "windows":
		path = name + ".dll"
	default:
		path = fmt.Sprintf("%s.so.%s", name, version)
	}
	return e.env.Runtime().ToValue(path)
}

func (e *Engine) toJSON(call goja.FunctionCall) goja.Value {
	return e.env.Runtime().ToValue(e.env.Marshal(call.Argument(0)))
}

// mapCmd evaluates a command on this worker and all siblings. Siblings are
// asked in turn, the loop is blocked until all have answered.
func (e *Engine) mapCmd(call goja.FunctionCall) goja.Value {
	cmd := call.Argument(0)
	if !isString(cmd) {
		e.env.Throw("map(expr)")
	}
	return e.env.ToValue(e.broadcast(cmd.String()))
}

func (e *Engine) doFile(call goja.FunctionCall) goja.Value {
	path := call.Argument(0)
	if !isString(path) {
		e.env.Throw("dofile(path)")
	}
	src, err := os.ReadFile(path.String())
	if err != nil {
		e.env.Throw("%s", err)
	}
	v, err := e.env.RunScript(path.String(), string(src), true)
	if err != nil {
		e.env.Throw("%s", err)
	}
	return v
}

func (e *Engine) getenv(call goja.FunctionCall) goja.Value {
	name := call.Argument(0)
	if !isString(name) {
		return goja.Undefined()
	}
	value := e.cfg.Getenv(name.String())
	if value == "" {
		return goja.Undefined()
	}
	return e.env.Runtime().ToValue(value)
}
