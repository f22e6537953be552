package container

import (
	"github.com/dop251/goja"

	"github.com/mosaicfe/mosaic/internal/eventbus"
	"github.com/mosaicfe/mosaic/internal/platformctx"
)

// buildMountArg constructs the platform object handed to a module's mount
// function and lifecycle hooks:
//
//	{
//	    region:   "sidebar",
//	    identity: {id, name, permissions},
//	    context:  {search, navigation, selection},
//	    bus:      {publish, subscribe},
//	}
//
// Caller holds the runtime lock; callbacks registered here fire on the
// host's composition goroutine.
func buildMountArg(vm *goja.Runtime, mc MountContext) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set("region", mc.Region)

	if mc.Platform != nil {
		id := mc.Platform.Identity()
		idObj := vm.NewObject()
		_ = idObj.Set("id", id.ID)
		_ = idObj.Set("name", id.Name)
		_ = idObj.Set("permissions", id.Permissions)
		_ = obj.Set("identity", idObj)

		ctxObj := vm.NewObject()
		_ = ctxObj.Set("search", searchBridge(vm, mc.Platform.Search))
		_ = ctxObj.Set("navigation", navigationBridge(vm, mc.Platform.Navigation))
		_ = ctxObj.Set("selection", selectionBridge(vm, mc.Platform.Selection))
		_ = obj.Set("context", ctxObj)
	}

	if mc.Bus != nil {
		_ = obj.Set("bus", busBridge(vm, mc.Bus))
	}
	return obj
}

func searchBridge(vm *goja.Runtime, s *platformctx.SearchSlice) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("get", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(searchToJS(s.Get()))
	})
	_ = obj.Set("setQuery", func(call goja.FunctionCall) goja.Value {
		s.SetQuery(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("addFilter", func(call goja.FunctionCall) goja.Value {
		var f platformctx.Filter
		if err := vm.ExportTo(call.Argument(0), &f); err != nil {
			panic(vm.ToValue("addFilter: " + err.Error()))
		}
		s.AddFilter(f)
		return goja.Undefined()
	})
	_ = obj.Set("removeFilter", func(call goja.FunctionCall) goja.Value {
		s.RemoveFilter(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("clearAll", func(goja.FunctionCall) goja.Value {
		s.ClearAll()
		return goja.Undefined()
	})
	_ = obj.Set("subscribe", func(call goja.FunctionCall) goja.Value {
		cb, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.ToValue("subscribe requires a function"))
		}
		unsub := s.Subscribe(func(v platformctx.SearchState) {
			_, _ = cb(goja.Undefined(), vm.ToValue(searchToJS(v)))
		})
		return vm.ToValue(func(goja.FunctionCall) goja.Value {
			unsub()
			return goja.Undefined()
		})
	})
	return obj
}

func navigationBridge(vm *goja.Runtime, s *platformctx.NavigationSlice) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("get", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(crumbsToJS(s.Get()))
	})
	_ = obj.Set("setPath", func(call goja.FunctionCall) goja.Value {
		var crumbs []platformctx.Breadcrumb
		if err := vm.ExportTo(call.Argument(0), &crumbs); err != nil {
			panic(vm.ToValue("setPath: " + err.Error()))
		}
		s.SetPath(crumbs)
		return goja.Undefined()
	})
	_ = obj.Set("navigateTo", func(call goja.FunctionCall) goja.Value {
		var crumb platformctx.Breadcrumb
		if err := vm.ExportTo(call.Argument(0), &crumb); err != nil {
			panic(vm.ToValue("navigateTo: " + err.Error()))
		}
		s.NavigateTo(crumb)
		return goja.Undefined()
	})
	_ = obj.Set("subscribe", func(call goja.FunctionCall) goja.Value {
		cb, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.ToValue("subscribe requires a function"))
		}
		unsub := s.Subscribe(func(v []platformctx.Breadcrumb) {
			_, _ = cb(goja.Undefined(), vm.ToValue(crumbsToJS(v)))
		})
		return vm.ToValue(func(goja.FunctionCall) goja.Value {
			unsub()
			return goja.Undefined()
		})
	})
	return obj
}

func selectionBridge(vm *goja.Runtime, s *platformctx.SelectionSlice) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("get", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(selectionToJS(s.Get()))
	})
	_ = obj.Set("toggle", func(call goja.FunctionCall) goja.Value {
		s.Toggle(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("setAll", func(call goja.FunctionCall) goja.Value {
		var ids []string
		if err := vm.ExportTo(call.Argument(0), &ids); err != nil {
			panic(vm.ToValue("setAll: " + err.Error()))
		}
		s.SetAll(ids)
		return goja.Undefined()
	})
	_ = obj.Set("clear", func(goja.FunctionCall) goja.Value {
		s.Clear()
		return goja.Undefined()
	})
	_ = obj.Set("subscribe", func(call goja.FunctionCall) goja.Value {
		cb, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.ToValue("subscribe requires a function"))
		}
		unsub := s.Subscribe(func(v platformctx.SelectionState) {
			_, _ = cb(goja.Undefined(), vm.ToValue(selectionToJS(v)))
		})
		return vm.ToValue(func(goja.FunctionCall) goja.Value {
			unsub()
			return goja.Undefined()
		})
	})
	return obj
}

func busBridge(vm *goja.Runtime, scope *eventbus.Scope) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("publish", func(call goja.FunctionCall) goja.Value {
		topic := call.Argument(0).String()
		payload := call.Argument(1).Export()
		scope.Publish(topic, payload)
		return goja.Undefined()
	})
	_ = obj.Set("subscribe", func(call goja.FunctionCall) goja.Value {
		topic := call.Argument(0).String()
		cb, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.ToValue("subscribe requires a function"))
		}
		sub := scope.Subscribe(topic, func(env eventbus.Envelope) {
			envObj := vm.NewObject()
			_ = envObj.Set("topic", env.Topic)
			_ = envObj.Set("payload", vm.ToValue(env.Payload))
			_ = envObj.Set("publishedAt", env.PublishedAt.UnixMilli())
			_, _ = cb(goja.Undefined(), envObj)
		})
		return vm.ToValue(func(goja.FunctionCall) goja.Value {
			if sub != nil {
				sub.Unsubscribe()
			}
			return goja.Undefined()
		})
	})
	return obj
}

func searchToJS(v platformctx.SearchState) map[string]any {
	filters := make([]map[string]any, 0, len(v.Filters))
	for _, f := range v.Filters {
		filters = append(filters, map[string]any{"id": f.ID, "field": f.Field, "value": f.Value})
	}
	return map[string]any{"query": v.Query, "filters": filters}
}

func crumbsToJS(crumbs []platformctx.Breadcrumb) []map[string]any {
	out := make([]map[string]any, 0, len(crumbs))
	for _, c := range crumbs {
		out = append(out, map[string]any{"id": c.ID, "label": c.Label, "path": c.Path})
	}
	return out
}

func selectionToJS(v platformctx.SelectionState) map[string]any {
	ids := make([]string, 0, len(v.SelectedIDs))
	ids = append(ids, v.SelectedIDs...)
	return map[string]any{"selectedIds": ids}
}
