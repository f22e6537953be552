package host

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mosaicfe/mosaic/internal/container"
	"github.com/mosaicfe/mosaic/internal/descriptor"
	"github.com/mosaicfe/mosaic/internal/eventbus"
	"github.com/mosaicfe/mosaic/internal/fetch"
	"github.com/mosaicfe/mosaic/internal/loader"
	"github.com/mosaicfe/mosaic/internal/platformctx"
	"github.com/mosaicfe/mosaic/internal/shared"
	"github.com/mosaicfe/mosaic/internal/state"
	"github.com/mosaicfe/mosaic/internal/telemetry"
)

const wellBehavedEntry = `
globalThis.%s = {
    init: function () {},
    get: function () {
        return {
            mount: function (platform) {
                platform.bus.subscribe("selection:changed", function () {});
            },
            unmount: function () {},
            onActivate: function () {},
            onDeactivate: function () {},
        };
    },
};
`

const faultyMountEntry = `
globalThis.%s = {
    init: function () {},
    get: function () {
        return {mount: function () { throw new Error("mount exploded"); }};
    },
};
`

type testStack struct {
	host     *Runtime
	bus      *eventbus.Bus
	registry *shared.Registry
	loader   *loader.Loader
	events   *telemetry.RingLog
}

// buildStack wires a full composition against an httptest server serving the
// given entry script per scope.
func buildStack(t *testing.T, entries map[string]string) *testStack {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := r.URL.Path[1 : len(r.URL.Path)-len("/entry.js")]
		script, ok := entries[scope]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, script, scope)
	}))
	t.Cleanup(srv.Close)

	table := make([]descriptor.Entry, 0, len(entries))
	for scope := range entries {
		table = append(table, descriptor.Entry{Scope: scope, URL: srv.URL + "/" + scope + "/entry.js"})
	}
	resolver, err := descriptor.NewResolver(descriptor.Config{}, table)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	events := telemetry.NewRingLog(64)
	registry := shared.New(shared.Options{Events: events})
	rt := container.NewRuntime(registry, container.Options{Events: events})
	ld := loader.New(resolver, fetch.New(fetch.Config{}), rt, loader.Options{
		InitialInterval: time.Millisecond,
		Events:          events,
	})
	bus := eventbus.New(eventbus.Options{Events: events})
	platform := platformctx.NewRoot(platformctx.Identity{ID: "u1", Name: "Dana"}, platformctx.Options{})

	h, err := New(Options{
		Resolver: resolver,
		Loader:   ld,
		Registry: registry,
		Bus:      bus,
		Platform: platform,
		Events:   events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testStack{host: h, bus: bus, registry: registry, loader: ld, events: events}
}

func TestStartMountsAllRegions(t *testing.T) {
	ts := buildStack(t, map[string]string{
		"files_tab":   wellBehavedEntry,
		"report_view": wellBehavedEntry,
	})
	if err := ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"}); err != nil {
		t.Fatalf("RegisterRegion: %v", err)
	}
	if err := ts.host.RegisterRegion(RegionDefinition{Name: "sidebar", Scope: "report_view"}); err != nil {
		t.Fatalf("RegisterRegion: %v", err)
	}

	if err := ts.host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ts.host.Stop(context.Background())

	if ts.host.State() != StateRunning {
		t.Errorf("state = %v, want running", ts.host.State())
	}
	stats := ts.host.Stats()
	if len(stats.Regions) != 2 {
		t.Fatalf("got %d regions", len(stats.Regions))
	}
	for _, r := range stats.Regions {
		if !r.Mounted {
			t.Errorf("region %s not mounted", r.Name)
		}
		if r.Boundary.Status != state.BoundaryHealthy {
			t.Errorf("region %s boundary %v", r.Name, r.Boundary.Status)
		}
	}
}

func TestFaultInOneRegionLeavesOthersRunning(t *testing.T) {
	ts := buildStack(t, map[string]string{
		"files_tab": wellBehavedEntry,
		"bad_tab":   faultyMountEntry,
	})
	_ = ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"})
	_ = ts.host.RegisterRegion(RegionDefinition{Name: "sidebar", Scope: "bad_tab"})

	if err := ts.host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ts.host.Stop(context.Background())

	if ts.host.State() != StateRunning {
		t.Fatalf("state = %v, want running despite one faulty region", ts.host.State())
	}

	var main, sidebar RegionStatus
	for _, r := range ts.host.Stats().Regions {
		switch r.Name {
		case "main":
			main = r
		case "sidebar":
			sidebar = r
		}
	}
	if !main.Mounted || main.Boundary.Status != state.BoundaryHealthy {
		t.Errorf("healthy region affected by sibling fault: %+v", main)
	}
	if sidebar.Mounted || sidebar.Boundary.Status != state.BoundaryTripped {
		t.Errorf("faulty region not tripped: %+v", sidebar)
	}
	if sidebar.Fallback == "" {
		t.Error("tripped region has no fallback content")
	}

	health := ts.host.Health()
	if !health.Healthy {
		t.Error("host unhealthy because of one degraded region")
	}
	if len(health.Degraded) != 1 || health.Degraded[0] != "sidebar" {
		t.Errorf("degraded = %v, want [sidebar]", health.Degraded)
	}
}

func TestBootstrapFailureAbortsStart(t *testing.T) {
	ts := buildStack(t, map[string]string{"files_tab": wellBehavedEntry})
	_ = ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"})

	// An eager slot that nothing provides cannot be populated at bootstrap.
	if err := ts.registry.Declare("render-kit", "^18.0.0", shared.DeclareOptions{Eager: true}); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	err := ts.host.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to abort on bootstrap failure")
	}
	if ts.host.State() != StateStopped {
		t.Errorf("state = %v, want stopped after aborted start", ts.host.State())
	}
	stats := ts.host.Stats()
	if len(stats.Regions) != 1 || stats.Regions[0].Mounted {
		t.Error("regions were mounted despite aborted start")
	}
}

func TestUnmountReleasesBusSubscriptions(t *testing.T) {
	ts := buildStack(t, map[string]string{"files_tab": wellBehavedEntry})
	_ = ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"})

	if err := ts.host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ts.host.Stop(context.Background())

	if n := ts.bus.SubscriberCount("selection:changed"); n != 1 {
		t.Fatalf("subscriber count = %d, want 1 after mount", n)
	}
	if err := ts.host.UnmountRegion("main"); err != nil {
		t.Fatalf("UnmountRegion: %v", err)
	}
	if n := ts.bus.SubscriberCount("selection:changed"); n != 0 {
		t.Errorf("subscriber count = %d, want 0 after unmount", n)
	}
}

func TestUnmountRunsHookOnTrippedRegion(t *testing.T) {
	entry := `
globalThis.%s = {
    init: function () {},
    get: function () {
        return {
            mount: function (platform) { this.platform = platform; },
            unmount: function () { this.platform.bus.publish("region:cleanup", {}); },
            onActivate: function () { throw new Error("activate exploded"); },
        };
    },
};
`
	ts := buildStack(t, map[string]string{"files_tab": entry})
	_ = ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"})

	if err := ts.host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ts.host.Stop(context.Background())

	if err := ts.host.ActivateRegion("main"); err == nil {
		t.Fatal("expected activation fault")
	}
	if ts.host.Stats().Regions[0].Boundary.Status != state.BoundaryTripped {
		t.Fatal("boundary not tripped after activation fault")
	}

	cleanups := 0
	ts.bus.Subscribe("region:cleanup", func(eventbus.Envelope) { cleanups++ })

	if err := ts.host.UnmountRegion("main"); err != nil {
		t.Fatalf("UnmountRegion: %v", err)
	}
	if cleanups != 1 {
		t.Errorf("unmount hook published %d cleanup envelopes, want 1", cleanups)
	}
	if ts.host.Stats().Regions[0].Mounted {
		t.Error("region still mounted")
	}
}

func TestRetryRegionRecoversFromLoadFailure(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, wellBehavedEntry, "files_tab")
	}))
	defer srv.Close()

	resolver, err := descriptor.NewResolver(descriptor.Config{}, []descriptor.Entry{
		{Scope: "files_tab", URL: srv.URL + "/files_tab/entry.js"},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	registry := shared.New(shared.Options{})
	rt := container.NewRuntime(registry, container.Options{})
	ld := loader.New(resolver, fetch.New(fetch.Config{}), rt, loader.Options{InitialInterval: time.Millisecond})
	h, err := New(Options{
		Resolver: resolver,
		Loader:   ld,
		Registry: registry,
		Bus:      eventbus.New(eventbus.Options{}),
		Platform: platformctx.NewRoot(platformctx.Identity{ID: "u1"}, platformctx.Options{}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = h.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"})

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop(context.Background())

	stats := h.Stats()
	if stats.Regions[0].Boundary.Status != state.BoundaryTripped {
		t.Fatalf("region not tripped after failed load: %+v", stats.Regions[0])
	}

	healthy.Store(true)
	if err := h.RetryRegion(context.Background(), "main"); err != nil {
		t.Fatalf("RetryRegion: %v", err)
	}

	stats = h.Stats()
	if !stats.Regions[0].Mounted || stats.Regions[0].Boundary.Status != state.BoundaryHealthy {
		t.Errorf("region did not recover: %+v", stats.Regions[0])
	}
}

func TestLifecycleHooks(t *testing.T) {
	ts := buildStack(t, map[string]string{"files_tab": wellBehavedEntry})
	_ = ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"})

	if err := ts.host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ts.host.Stop(context.Background())

	if err := ts.host.ActivateRegion("main"); err != nil {
		t.Fatalf("ActivateRegion: %v", err)
	}
	// Repeated activation is a no-op.
	if err := ts.host.ActivateRegion("main"); err != nil {
		t.Fatalf("second ActivateRegion: %v", err)
	}
	if err := ts.host.DeactivateRegion("main"); err != nil {
		t.Fatalf("DeactivateRegion: %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	ts := buildStack(t, map[string]string{"files_tab": wellBehavedEntry})
	_ = ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"})

	var transitions []string
	ts.host.OnStateChange(func(from, to State) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
	})

	if err := ts.host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ts.host.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"created->starting", "starting->running", "running->stopping", "stopping->stopped"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}

	// A stopped host cannot be restarted.
	if err := ts.host.Start(context.Background()); err == nil {
		t.Error("restart of a stopped host succeeded")
	}
}

func TestRegisterRegionValidation(t *testing.T) {
	ts := buildStack(t, map[string]string{"files_tab": wellBehavedEntry})

	if err := ts.host.RegisterRegion(RegionDefinition{Scope: "files_tab"}); err == nil {
		t.Error("nameless region accepted")
	}
	if err := ts.host.RegisterRegion(RegionDefinition{Name: "main"}); err == nil {
		t.Error("scopeless region accepted")
	}
	if err := ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"}); err != nil {
		t.Fatalf("RegisterRegion: %v", err)
	}
	if err := ts.host.RegisterRegion(RegionDefinition{Name: "main", Scope: "files_tab"}); err == nil {
		t.Error("duplicate region accepted")
	}

	if err := ts.host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ts.host.Stop(context.Background())

	if err := ts.host.RegisterRegion(RegionDefinition{Name: "late", Scope: "files_tab"}); err == nil {
		t.Error("registration after start accepted")
	}
}

func TestUnknownRegionOperations(t *testing.T) {
	ts := buildStack(t, map[string]string{"files_tab": wellBehavedEntry})

	if err := ts.host.MountRegion(context.Background(), "ghost"); err == nil {
		t.Error("mount of unknown region succeeded")
	}
	if err := ts.host.UnmountRegion("ghost"); err == nil {
		t.Error("unmount of unknown region succeeded")
	}
}
