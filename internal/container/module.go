package container

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/mosaicfe/mosaic/internal/eventbus"
	"github.com/mosaicfe/mosaic/internal/platformctx"
)

// MountContext carries everything a module may touch while mounted: its
// region name, the platform context root, and a bus scope owned by the
// region (released by the host on unmount).
type MountContext struct {
	Region   string
	Platform *platformctx.Root
	Bus      *eventbus.Scope
}

// ContributedFilter is a filter a module contributes to the search slice.
type ContributedFilter struct {
	ID    string `json:"id"`
	Field string `json:"field"`
	Label string `json:"label"`
}

// ContributedAction is an action a module contributes, with an enablement
// predicate evaluated against the current context.
type ContributedAction struct {
	ID    string `json:"id"`
	Label string `json:"label"`

	isEnabled func(MountContext) (bool, error)
}

// Enabled evaluates the action's predicate. Actions without a predicate are
// always enabled.
func (a ContributedAction) Enabled(mc MountContext) (bool, error) {
	if a.isEnabled == nil {
		return true, nil
	}
	return a.isEnabled(mc)
}

// Descriptor lists what a module contributes to the host shell.
type Descriptor struct {
	Filters []ContributedFilter
	Actions []ContributedAction
}

// Module is the Go adapter over a remote's exposed member. The member must
// expose a mount function; unmount, onActivate, and onDeactivate are
// optional, as is a descriptor of contributed filters and actions.
type Module struct {
	rt     *Runtime
	scope  string
	member string
	obj    *goja.Object

	mountFn      goja.Callable
	unmountFn    goja.Callable
	onActivate   goja.Callable
	onDeactivate goja.Callable

	descriptor Descriptor
}

// Scope returns the owning remote's scope name.
func (m *Module) Scope() string { return m.scope }

// Member returns the exposed member name this module was adapted from.
func (m *Module) Member() string { return m.member }

// Descriptor returns what the module contributes to the host shell.
func (m *Module) Descriptor() Descriptor { return m.descriptor }

// Mount invokes the module's mount function with the host-provided context.
// A thrown JS exception is returned as an error, never panicked.
func (m *Module) Mount(mc MountContext) error {
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()

	arg := buildMountArg(m.rt.vm, mc)
	if _, err := m.mountFn(m.obj, arg); err != nil {
		return fmt.Errorf("module %s/%s: mount: %w", m.scope, m.member, err)
	}
	return nil
}

// Unmount invokes the module's unmount function, if it has one.
func (m *Module) Unmount() error {
	if m.unmountFn == nil {
		return nil
	}
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()

	if _, err := m.unmountFn(m.obj); err != nil {
		return fmt.Errorf("module %s/%s: unmount: %w", m.scope, m.member, err)
	}
	return nil
}

// OnActivate notifies the module its region became visible.
func (m *Module) OnActivate() error {
	return m.invokeHook(m.onActivate, "onActivate")
}

// OnDeactivate notifies the module its region was hidden.
func (m *Module) OnDeactivate() error {
	return m.invokeHook(m.onDeactivate, "onDeactivate")
}

func (m *Module) invokeHook(fn goja.Callable, name string) error {
	if fn == nil {
		return nil
	}
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()

	if _, err := fn(m.obj); err != nil {
		return fmt.Errorf("module %s/%s: %s: %w", m.scope, m.member, name, err)
	}
	return nil
}

// adaptModule wraps an exposed member object. Caller holds the runtime lock.
func (r *Runtime) adaptModule(scope, member string, obj *goja.Object) (*Module, error) {
	mountFn, ok := goja.AssertFunction(obj.Get("mount"))
	if !ok {
		return nil, fmt.Errorf("container %s: member %q has no mount function", scope, member)
	}

	m := &Module{
		rt:      r,
		scope:   scope,
		member:  member,
		obj:     obj,
		mountFn: mountFn,
	}
	if fn, ok := goja.AssertFunction(obj.Get("unmount")); ok {
		m.unmountFn = fn
	}
	if fn, ok := goja.AssertFunction(obj.Get("onActivate")); ok {
		m.onActivate = fn
	}
	if fn, ok := goja.AssertFunction(obj.Get("onDeactivate")); ok {
		m.onDeactivate = fn
	}

	if desc := obj.Get("descriptor"); desc != nil && !goja.IsUndefined(desc) && !goja.IsNull(desc) {
		parsed, err := r.parseDescriptor(scope, member, desc.ToObject(r.vm))
		if err != nil {
			return nil, err
		}
		m.descriptor = parsed
	}
	return m, nil
}

// parseDescriptor reads {filters: [...], actions: [...]} from a member's
// descriptor object. Caller holds the runtime lock.
func (r *Runtime) parseDescriptor(scope, member string, obj *goja.Object) (Descriptor, error) {
	var d Descriptor

	if fv := obj.Get("filters"); fv != nil && !goja.IsUndefined(fv) && !goja.IsNull(fv) {
		var filters []ContributedFilter
		if err := r.vm.ExportTo(fv, &filters); err != nil {
			return d, fmt.Errorf("container %s: member %q: bad filters: %w", scope, member, err)
		}
		d.Filters = filters
	}

	if av := obj.Get("actions"); av != nil && !goja.IsUndefined(av) && !goja.IsNull(av) {
		arr := av.ToObject(r.vm)
		length := int(arr.Get("length").ToInteger())
		for i := 0; i < length; i++ {
			item := arr.Get(fmt.Sprintf("%d", i))
			if item == nil || goja.IsUndefined(item) {
				continue
			}
			itemObj := item.ToObject(r.vm)
			action := ContributedAction{
				ID:    itemObj.Get("id").String(),
				Label: itemObj.Get("label").String(),
			}
			if pred, ok := goja.AssertFunction(itemObj.Get("isEnabled")); ok {
				action.isEnabled = r.enablementPredicate(itemObj, pred)
			}
			d.Actions = append(d.Actions, action)
		}
	}
	return d, nil
}

func (r *Runtime) enablementPredicate(this *goja.Object, pred goja.Callable) func(MountContext) (bool, error) {
	return func(mc MountContext) (bool, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		v, err := pred(this, buildMountArg(r.vm, mc))
		if err != nil {
			return false, err
		}
		return v.ToBoolean(), nil
	}
}
