// Package container executes remote entry artifacts and adapts their exposed
// members into modules the host can mount. Remote entries are JavaScript
// bundles: executing one must leave a container object named after the
// remote's scope in the global scope, exposing init and get in the module
// federation style:
//
//	globalThis.files_tab = {
//	    init: function (shared) { ... },
//	    get: function (member) { return factoryOrModule; },
//	};
//
// All containers run in one JavaScript runtime, so shared singleton instances
// keep reference identity across host and remotes. Access to the runtime is
// serialized; module lifecycle is expected to happen on the host's
// composition goroutine, mirroring a browser's single event loop.
package container

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/mosaicfe/mosaic/internal/shared"
	"github.com/mosaicfe/mosaic/internal/telemetry"
)

// Runtime owns the JavaScript engine and the registry of executed
// containers, keyed by scope name.
type Runtime struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	containers map[string]*Container
	shared     *shared.Registry
	events     telemetry.Log
}

// Options configures a container runtime.
type Options struct {
	Events telemetry.Log
}

// NewRuntime creates a container runtime bound to a singleton dependency
// registry. The registry is passed in explicitly: containers receive it at
// init time instead of reaching into ambient state.
func NewRuntime(reg *shared.Registry, opts Options) *Runtime {
	ev := opts.Events
	if ev == nil {
		ev = telemetry.NoOpLog{}
	}
	vm := goja.New()
	// JS sees json-tagged names (id, field, value) on exported Go structs.
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return &Runtime{
		vm:         vm,
		containers: make(map[string]*Container),
		shared:     reg,
		events:     ev,
	}
}

// Container is one executed remote entry.
type Container struct {
	scope       string
	obj         *goja.Object
	initFn      goja.Callable
	getFn       goja.Callable
	initialized bool
}

// Scope returns the container's scope name.
func (c *Container) Scope() string { return c.scope }

// Exec executes an entry artifact and registers the resulting container
// under scope. Re-executing a scope (after a loader reset) replaces the
// previous container.
func (r *Runtime) Exec(scope string, artifact []byte) (*Container, error) {
	prog, err := goja.Compile(scope+"/entry.js", string(artifact), false)
	if err != nil {
		return nil, fmt.Errorf("container %s: compile: %w", scope, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("container %s: execute: %w", scope, err)
	}

	v := r.vm.GlobalObject().Get(scope)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("container %s: entry did not define global %q", scope, scope)
	}
	obj := v.ToObject(r.vm)

	initFn, ok := goja.AssertFunction(obj.Get("init"))
	if !ok {
		return nil, fmt.Errorf("container %s: missing init function", scope)
	}
	getFn, ok := goja.AssertFunction(obj.Get("get"))
	if !ok {
		return nil, fmt.Errorf("container %s: missing get function", scope)
	}

	c := &Container{scope: scope, obj: obj, initFn: initFn, getFn: getFn}
	r.containers[scope] = c
	return c, nil
}

// Lookup returns the container registered under scope.
func (r *Runtime) Lookup(scope string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[scope]
	return c, ok
}

// Remove drops a container from the registry. Called when a handle is reset
// so the next load re-executes the entry.
func (r *Runtime) Remove(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, scope)
}

// Init calls the container's init routine, passing it the current state of
// the singleton dependency registry so the remote reuses existing instances
// instead of instantiating duplicates. Idempotent per container.
func (r *Runtime) Init(c *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.initialized {
		return nil
	}

	shareScope := r.buildShareScope(c.scope)
	if _, err := c.initFn(c.obj, shareScope); err != nil {
		return fmt.Errorf("container %s: init: %w", c.scope, err)
	}
	c.initialized = true
	return nil
}

// buildShareScope exposes the singleton registry to remote code:
//
//	shared.get("render-kit")            -> canonical instance
//	shared.require("render-kit", "^18") -> record a version requirement
//	shared.set("util-kit", "1.2.0", v)  -> offer an instance (non-eager)
//
// Caller holds the runtime lock.
func (r *Runtime) buildShareScope(scope string) goja.Value {
	vm := r.vm
	obj := vm.NewObject()

	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		inst, err := r.shared.Resolve(name)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(inst.Value)
	})

	_ = obj.Set("version", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		inst, err := r.shared.Resolve(name)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(inst.Version)
	})

	_ = obj.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		rng := call.Argument(1).String()
		if err := r.shared.Require(name, rng, scope); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})

	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		version := call.Argument(1).String()
		value := call.Argument(2).Export()
		if err := r.shared.Offer(name, version, value, scope, false); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})

	return obj
}

// GetMember requests an exposed member from an initialized container and
// adapts it into a Module. Per the federation convention, get may return the
// member directly or a zero-argument factory producing it.
func (r *Runtime) GetMember(c *Container, member string) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !c.initialized {
		return nil, fmt.Errorf("container %s: get %q before init", c.scope, member)
	}

	v, err := c.getFn(c.obj, r.vm.ToValue(member))
	if err != nil {
		return nil, fmt.Errorf("container %s: get %q: %w", c.scope, member, err)
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("container %s: member %q not exposed", c.scope, member)
	}

	// Unwrap a factory.
	if factory, ok := goja.AssertFunction(v); ok {
		v, err = factory(goja.Undefined())
		if err != nil {
			return nil, fmt.Errorf("container %s: member %q factory: %w", c.scope, member, err)
		}
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("container %s: member %q factory returned nothing", c.scope, member)
	}

	return r.adaptModule(c.scope, member, v.ToObject(r.vm))
}
