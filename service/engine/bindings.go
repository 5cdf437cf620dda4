package engine

import (
	"errors"
	"os"

	"github.com/dop251/goja"
	processInfo "github.com/shirou/gopsutil/process"

	"github.com/jirutka/knot-resolver/service/bridge"
	"github.com/jirutka/knot-resolver/service/modules"
	"github.com/jirutka/knot-resolver/service/modules/builtin"
	"github.com/jirutka/knot-resolver/service/network"
)

func (e *Engine) newObject(fields map[string]any) *goja.Object {
	obj := e.env.Runtime().NewObject()
	for name, v := range fields {
		_ = obj.Set(name, v)
	}
	return obj
}

func (e *Engine) modulesBindings() *goja.Object {
	return e.newObject(map[string]any{
		"list": func(goja.FunctionCall) goja.Value {
			names := e.registry.List()
			items := make([]any, len(names))
			for i, name := range names {
				items[i] = name
			}
			return e.env.ToValue(items)
		},
		"load": func(call goja.FunctionCall) goja.Value {
			directive := call.Argument(0)
			if !isString(directive) {
				e.env.Throw("modules.load(name[, precedence, ref])")
			}
			name, precedence, ref, err := modules.ParseLoad(directive.String())
			if err != nil {
				e.env.Throw("%s", err)
			}
			if err := e.registry.Register(name, precedence, ref); err != nil {
				e.env.Throw("%s", err)
			}
			return e.env.Runtime().ToValue(true)
		},
		"unload": func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0)
			if !isString(name) {
				e.env.Throw("modules.unload(name)")
			}
			if err := e.registry.Unregister(name.String()); err != nil {
				e.env.Throw("%s", err)
			}
			return e.env.Runtime().ToValue(true)
		},
	})
}

func (e *Engine) netBindings() *goja.Object {
	return e.newObject(map[string]any{
		"list": func(goja.FunctionCall) goja.Value {
			endpoints := e.net.List()
			items := make([]any, 0, len(endpoints))
			for _, ep := range endpoints {
				items = append(items, bridge.NewObject().
					Set("addr", ep.Addr).
					Set("port", float64(ep.Port)).
					Set("udp", ep.UDP).
					Set("tcp", ep.TCP))
			}
			return e.env.ToValue(items)
		},
		"listen": func(call goja.FunctionCall) goja.Value {
			addr, port := e.endpointArgs(call, "net.listen(addr[, port, {udp, tcp}])")
			flags := network.Both
			if opts, ok := call.Argument(2).(*goja.Object); ok {
				flags = 0
				if v := opts.Get("udp"); v == nil || goja.IsUndefined(v) || v.ToBoolean() {
					flags |= network.UDP
				}
				if v := opts.Get("tcp"); v == nil || goja.IsUndefined(v) || v.ToBoolean() {
					flags |= network.TCP
				}
			}
			if err := e.net.Listen(addr, port, flags); err != nil {
				e.env.Throw("%s", err)
			}
			return e.env.Runtime().ToValue(true)
		},
		"close": func(call goja.FunctionCall) goja.Value {
			addr, port := e.endpointArgs(call, "net.close(addr[, port])")
			err := e.net.Close(addr, port)
			if err != nil && !errors.Is(err, network.ErrNotListening) {
				e.env.Throw("%s", err)
			}
			return e.env.Runtime().ToValue(err == nil)
		},
	})
}

func (e *Engine) endpointArgs(call goja.FunctionCall, usage string) (string, uint16) {
	addr := call.Argument(0)
	if !isString(addr) {
		e.env.Throw("%s", usage)
	}
	port := uint16(network.DefaultPort)
	if v := call.Argument(1); isSet(v) {
		p := v.ToInteger()
		if p < 0 || p > 65535 {
			e.env.Throw("invalid port")
		}
		port = uint16(p)
	}
	return addr.String(), port
}

// cacheBindings operate on all cache stages at once.
func (e *Engine) cacheBindings() *goja.Object {
	return e.newObject(map[string]any{
		"count": func(goja.FunctionCall) goja.Value {
			if e.storage == nil {
				e.env.Throw("%s", builtin.ErrNoStorage)
			}
			buckets, err := e.storage.Buckets()
			if err != nil {
				e.env.Throw("%s", err)
			}
			total := 0
			for _, bucket := range buckets {
				n, err := e.storage.Count(bucket)
				if err != nil {
					e.env.Throw("%s", err)
				}
				total += n
			}
			return e.env.Runtime().ToValue(total)
		},
		"clear": func(goja.FunctionCall) goja.Value {
			if e.storage == nil {
				e.env.Throw("%s", builtin.ErrNoStorage)
			}
			buckets, err := e.storage.Buckets()
			if err != nil {
				e.env.Throw("%s", err)
			}
			total := 0
			for _, bucket := range buckets {
				n, err := e.storage.Clear(bucket)
				if err != nil {
					e.env.Throw("%s", err)
				}
				total += n
			}
			return e.env.Runtime().ToValue(total)
		},
	})
}

func (e *Engine) workerBindings() *goja.Object {
	return e.newObject(map[string]any{
		"id":    e.cfg.WorkerID,
		"count": e.cfg.WorkerCount,
		"pid":   os.Getpid(),
		"stats": func(goja.FunctionCall) goja.Value {
			stats, err := processStats(os.Getpid())
			if err != nil {
				e.env.Throw("%s", err)
			}
			return e.env.ToValue(stats)
		},
	})
}

// processStats returns the resource usage of a process.
func processStats(pid int) (*bridge.Object, error) {
	p, err := processInfo.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	stats := bridge.NewObject()

	times, err := p.Times()
	if err != nil {
		return nil, err
	}
	stats.Set("usertime", times.User).Set("systime", times.System)

	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, err
	}
	stats.Set("rss", float64(mem.RSS)).Set("vms", float64(mem.VMS))

	// Not available everywhere.
	if threads, err := p.NumThreads(); err == nil {
		stats.Set("threads", float64(threads))
	}
	if fds, err := p.NumFDs(); err == nil {
		stats.Set("fds", float64(fds))
	}
	if csw, err := p.NumCtxSwitches(); err == nil {
		stats.Set("csw", float64(csw.Voluntary+csw.Involuntary))
	}
	if faults, err := p.PageFaults(); err == nil {
		stats.Set("pagefaults", float64(faults.MajorFaults))
	}
	return stats, nil
}
