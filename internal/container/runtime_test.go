package container

import (
	"strings"
	"testing"

	"github.com/mosaicfe/mosaic/internal/eventbus"
	"github.com/mosaicfe/mosaic/internal/platformctx"
	"github.com/mosaicfe/mosaic/internal/shared"
)

const filesTabEntry = `
globalThis.files_tab = {
    init: function (shared) {
        this.shared = shared;
    },
    get: function (member) {
        if (member !== "Plugin") {
            return undefined;
        }
        var self = this;
        return function () {
            return {
                mounted: 0,
                mount: function (platform) {
                    this.mounted++;
                    this.region = platform.region;
                },
                unmount: function () {
                    this.mounted--;
                },
            };
        };
    },
};
`

func newTestRuntime(t *testing.T) (*Runtime, *shared.Registry) {
	t.Helper()
	reg := shared.New(shared.Options{})
	return NewRuntime(reg, Options{}), reg
}

func TestExecInitGetMember(t *testing.T) {
	rt, _ := newTestRuntime(t)

	c, err := rt.Exec("files_tab", []byte(filesTabEntry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if c.Scope() != "files_tab" {
		t.Errorf("scope = %q, want files_tab", c.Scope())
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Idempotent.
	if err := rt.Init(c); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	m, err := rt.GetMember(c, "Plugin")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if m.Scope() != "files_tab" || m.Member() != "Plugin" {
		t.Errorf("module identity = %s/%s", m.Scope(), m.Member())
	}

	if err := m.Mount(MountContext{Region: "main"}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := m.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
}

func TestGetMemberBeforeInit(t *testing.T) {
	rt, _ := newTestRuntime(t)
	c, err := rt.Exec("files_tab", []byte(filesTabEntry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if _, err := rt.GetMember(c, "Plugin"); err == nil {
		t.Fatal("expected error for get before init")
	}
}

func TestGetMemberNotExposed(t *testing.T) {
	rt, _ := newTestRuntime(t)
	c, err := rt.Exec("files_tab", []byte(filesTabEntry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := rt.GetMember(c, "Missing"); err == nil {
		t.Fatal("expected error for unknown member")
	}
}

func TestExecRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr string
	}{
		{"syntax error", `globalThis.x = {`, "compile"},
		{"no global", `var y = 1;`, "did not define global"},
		{"missing init", `globalThis.bad = {get: function () {}};`, "missing init"},
		{"missing get", `globalThis.bad = {init: function () {}};`, "missing get"},
		{"throws on execute", `throw new Error("boom");`, "execute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _ := newTestRuntime(t)
			_, err := rt.Exec("bad", []byte(tt.source))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLookupAndRemove(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if _, ok := rt.Lookup("files_tab"); ok {
		t.Fatal("lookup before exec should miss")
	}
	if _, err := rt.Exec("files_tab", []byte(filesTabEntry)); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if _, ok := rt.Lookup("files_tab"); !ok {
		t.Fatal("lookup after exec should hit")
	}
	rt.Remove("files_tab")
	if _, ok := rt.Lookup("files_tab"); ok {
		t.Fatal("lookup after remove should miss")
	}
}

func TestReExecReplacesContainer(t *testing.T) {
	rt, _ := newTestRuntime(t)
	first, err := rt.Exec("files_tab", []byte(filesTabEntry))
	if err != nil {
		t.Fatalf("first Exec: %v", err)
	}
	second, err := rt.Exec("files_tab", []byte(filesTabEntry))
	if err != nil {
		t.Fatalf("second Exec: %v", err)
	}
	if first == second {
		t.Fatal("re-exec returned the same container")
	}
	got, _ := rt.Lookup("files_tab")
	if got != second {
		t.Error("lookup did not return the replacement container")
	}
}

func TestShareScopeResolvesHostSingleton(t *testing.T) {
	rt, reg := newTestRuntime(t)

	err := reg.Declare("render-kit", "^18.0.0", shared.DeclareOptions{
		Eager:   true,
		Version: "18.2.0",
		Origin:  "host",
		Provider: func() (any, error) {
			return map[string]any{"name": "render-kit"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := reg.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	entry := `
globalThis.report_view = {
    init: function (shared) {
        shared.require("render-kit", "^18.0.0");
        this.kit = shared.get("render-kit");
        this.kitVersion = shared.version("render-kit");
    },
    get: function (member) {
        var self = this;
        return {
            mount: function () {},
            kitVersion: function () { return self.kitVersion; },
        };
    },
};
`
	c, err := rt.Exec("report_view", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := rt.GetMember(c, "Plugin"); err != nil {
		t.Fatalf("GetMember: %v", err)
	}

	inst, err := reg.Resolve("render-kit")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if inst.Version != "18.2.0" {
		t.Errorf("version = %q, want 18.2.0", inst.Version)
	}
}

func TestShareScopeRequireIncompatible(t *testing.T) {
	rt, reg := newTestRuntime(t)

	err := reg.Declare("render-kit", "^18.0.0", shared.DeclareOptions{
		Eager:    true,
		Version:  "18.2.0",
		Origin:   "host",
		Provider: func() (any, error) { return struct{}{}, nil },
	})
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := reg.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	entry := `
globalThis.legacy_tab = {
    init: function (shared) {
        shared.require("render-kit", "^17.0.0");
    },
    get: function () { return {mount: function () {}}; },
};
`
	c, err := rt.Exec("legacy_tab", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	err = rt.Init(c)
	if err == nil {
		t.Fatal("expected init to fail on incompatible requirement")
	}
	if !strings.Contains(err.Error(), "render-kit") {
		t.Errorf("error %q does not name the library", err)
	}
}

func TestShareScopeOffer(t *testing.T) {
	rt, reg := newTestRuntime(t)

	if err := reg.Declare("util-kit", "^1.0.0", shared.DeclareOptions{}); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	entry := `
globalThis.files_tab = {
    init: function (shared) {
        shared.set("util-kit", "1.2.0", {debounce: true});
    },
    get: function () { return {mount: function () {}}; },
};
`
	c, err := rt.Exec("files_tab", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}

	inst, err := reg.Resolve("util-kit")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if inst.Version != "1.2.0" {
		t.Errorf("version = %q, want 1.2.0", inst.Version)
	}
}

func TestMountReceivesPlatformBridge(t *testing.T) {
	rt, _ := newTestRuntime(t)
	root := platformctx.NewRoot(platformctx.Identity{
		ID:          "u1",
		Name:        "Dana",
		Permissions: []string{"files:read"},
	}, platformctx.Options{})
	bus := eventbus.New(eventbus.Options{})

	var published []eventbus.Envelope
	bus.Subscribe("files:opened", func(env eventbus.Envelope) {
		published = append(published, env)
	})

	entry := `
globalThis.files_tab = {
    init: function () {},
    get: function () {
        return {
            mount: function (platform) {
                this.region = platform.region;
                this.user = platform.identity.name;
                this.canRead = platform.identity.permissions.indexOf("files:read") >= 0;
                platform.context.search.setQuery("quarterly");
                platform.context.selection.toggle("doc-1");
                platform.bus.publish("files:opened", {id: "doc-1"});
                var self = this;
                this.unsub = platform.bus.subscribe("selection:changed", function (env) {
                    self.lastTopic = env.topic;
                });
            },
            unmount: function () {
                if (this.unsub) { this.unsub(); }
            },
        };
    },
};
`
	c, err := rt.Exec("files_tab", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := rt.GetMember(c, "Plugin")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}

	scope := bus.ScopeFor("main")
	mc := MountContext{Region: "main", Platform: root, Bus: scope}
	if err := m.Mount(mc); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if got := root.Search.Get().Query; got != "quarterly" {
		t.Errorf("query = %q, want quarterly", got)
	}
	sel := root.Selection.Get()
	if len(sel.SelectedIDs) != 1 || sel.SelectedIDs[0] != "doc-1" {
		t.Errorf("selection = %v, want [doc-1]", sel.SelectedIDs)
	}
	if len(published) != 1 {
		t.Fatalf("published %d envelopes, want 1", len(published))
	}
	payload, ok := published[0].Payload.(map[string]any)
	if !ok || payload["id"] != "doc-1" {
		t.Errorf("payload = %#v, want map with id doc-1", published[0].Payload)
	}

	if bus.SubscriberCount("selection:changed") != 1 {
		t.Error("module subscription not registered")
	}
	if err := m.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if bus.SubscriberCount("selection:changed") != 0 {
		t.Error("module subscription not released on unmount")
	}
}

func TestMountErrorIsReturned(t *testing.T) {
	rt, _ := newTestRuntime(t)
	entry := `
globalThis.files_tab = {
    init: function () {},
    get: function () {
        return {mount: function () { throw new Error("render failed"); }};
    },
};
`
	c, err := rt.Exec("files_tab", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := rt.GetMember(c, "Plugin")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	err = m.Mount(MountContext{Region: "main"})
	if err == nil {
		t.Fatal("expected mount error")
	}
	if !strings.Contains(err.Error(), "render failed") {
		t.Errorf("error %q does not carry the JS message", err)
	}
}

func TestMemberWithoutMountRejected(t *testing.T) {
	rt, _ := newTestRuntime(t)
	entry := `
globalThis.files_tab = {
    init: function () {},
    get: function () { return {label: "not a module"}; },
};
`
	c, err := rt.Exec("files_tab", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := rt.GetMember(c, "Plugin"); err == nil {
		t.Fatal("expected error for member without mount")
	}
}

func TestDescriptorContributions(t *testing.T) {
	rt, _ := newTestRuntime(t)
	root := platformctx.NewRoot(platformctx.Identity{ID: "u1"}, platformctx.Options{})

	entry := `
globalThis.files_tab = {
    init: function () {},
    get: function () {
        return {
            mount: function () {},
            descriptor: {
                filters: [
                    {id: "type", field: "mimeType", label: "File type"},
                    {id: "owner", field: "ownerId", label: "Owner"},
                ],
                actions: [
                    {id: "download", label: "Download"},
                    {
                        id: "share",
                        label: "Share",
                        isEnabled: function (platform) {
                            return platform.context.selection.get().selectedIds.length > 0;
                        },
                    },
                ],
            },
        };
    },
};
`
	c, err := rt.Exec("files_tab", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := rt.GetMember(c, "Plugin")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}

	desc := m.Descriptor()
	if len(desc.Filters) != 2 {
		t.Fatalf("got %d filters, want 2", len(desc.Filters))
	}
	if desc.Filters[0].ID != "type" || desc.Filters[0].Field != "mimeType" {
		t.Errorf("filter[0] = %+v", desc.Filters[0])
	}
	if len(desc.Actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(desc.Actions))
	}

	mc := MountContext{Region: "main", Platform: root}

	on, err := desc.Actions[0].Enabled(mc)
	if err != nil || !on {
		t.Errorf("action without predicate: on=%v err=%v, want always enabled", on, err)
	}

	on, err = desc.Actions[1].Enabled(mc)
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if on {
		t.Error("share enabled with empty selection")
	}

	root.Selection.Toggle("doc-1")
	on, err = desc.Actions[1].Enabled(mc)
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if !on {
		t.Error("share disabled with a selection present")
	}
}

func TestLifecycleHooks(t *testing.T) {
	rt, _ := newTestRuntime(t)
	entry := `
globalThis.files_tab = {
    init: function () {},
    get: function () {
        return {
            calls: [],
            mount: function () { this.calls.push("mount"); },
            onActivate: function () { this.calls.push("activate"); },
            onDeactivate: function () { this.calls.push("deactivate"); },
            unmount: function () { this.calls.push("unmount"); },
        };
    },
};
`
	c, err := rt.Exec("files_tab", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := rt.GetMember(c, "Plugin")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}

	for _, step := range []func() error{
		func() error { return m.Mount(MountContext{Region: "main"}) },
		m.OnActivate,
		m.OnDeactivate,
		m.Unmount,
	} {
		if err := step(); err != nil {
			t.Fatalf("lifecycle step: %v", err)
		}
	}
}

func TestHooksOptional(t *testing.T) {
	rt, _ := newTestRuntime(t)
	c, err := rt.Exec("files_tab", []byte(filesTabEntry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := rt.Init(c); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := rt.GetMember(c, "Plugin")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if err := m.OnActivate(); err != nil {
		t.Errorf("OnActivate without hook: %v", err)
	}
	if err := m.OnDeactivate(); err != nil {
		t.Errorf("OnDeactivate without hook: %v", err)
	}
}

func TestInitErrorPropagates(t *testing.T) {
	rt, _ := newTestRuntime(t)

	entry := `
globalThis.files_tab = {
    init: function () { throw new Error("init exploded"); },
    get: function () { return {mount: function () {}}; },
};
`
	c, err := rt.Exec("files_tab", []byte(entry))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	err = rt.Init(c)
	if err == nil {
		t.Fatal("expected init error")
	}
	if !strings.Contains(err.Error(), "init exploded") {
		t.Errorf("error %q does not carry the JS message", err)
	}
}
