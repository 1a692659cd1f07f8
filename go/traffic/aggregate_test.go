package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ddsnet/nodex/go/panel"
	"github.com/ddsnet/nodex/go/state"
	"github.com/stretchr/testify/require"
)

// fakeAPI is an in-memory panel.API holding per-(panel,email) counters.
// Successful traffic writes are applied to the held counters, as they would
// be on a real panel, so consecutive aggregation cycles compose naturally.
type fakeAPI struct {
	loginErr map[string]error
	listErr  error
	inbounds []panel.Inbound
	readErr  map[string]error
	writeErr map[string]error

	mu      sync.Mutex
	traffic map[string]map[string]panel.Traffic
	writes  []write
}

type write struct {
	server, email string
	traffic       panel.Traffic
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		loginErr: make(map[string]error),
		readErr:  make(map[string]error),
		writeErr: make(map[string]error),
		traffic:  make(map[string]map[string]panel.Traffic),
	}
}

var _ panel.API = (*fakeAPI)(nil)

func (f *fakeAPI) set(server panel.Server, email string, t panel.Traffic) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.traffic[server.Key()] == nil {
		f.traffic[server.Key()] = make(map[string]panel.Traffic)
	}
	f.traffic[server.Key()][email] = t
}

func (f *fakeAPI) get(server panel.Server, email string) panel.Traffic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.traffic[server.Key()][email]
}

func (f *fakeAPI) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, w := range f.writes {
		out = append(out, fmt.Sprintf("%s %s %d/%d", w.server, w.email, w.traffic.Up, w.traffic.Down))
	}
	return out
}

func (f *fakeAPI) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeAPI) Login(ctx context.Context, server panel.Server) error {
	return f.loginErr[server.Key()]
}

func (f *fakeAPI) ListInbounds(ctx context.Context, server panel.Server) ([]panel.Inbound, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.inbounds, nil
}

func (f *fakeAPI) GetClientTraffic(ctx context.Context, server panel.Server, email string) (panel.Traffic, error) {
	if err := f.readErr[server.Key()]; err != nil {
		return panel.Traffic{}, err
	}
	return f.get(server, email), nil
}

func (f *fakeAPI) UpdateClientTraffic(ctx context.Context, server panel.Server, email string, t panel.Traffic) error {
	if err := f.writeErr[server.Key()]; err != nil {
		return err
	}
	f.set(server, email, t)

	f.mu.Lock()
	f.writes = append(f.writes, write{server: server.Key(), email: email, traffic: t})
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) AddInbound(ctx context.Context, server panel.Server, inbound *panel.Inbound) error {
	return nil
}
func (f *fakeAPI) UpdateInbound(ctx context.Context, server panel.Server, id int64, inbound *panel.Inbound) error {
	return nil
}
func (f *fakeAPI) DeleteInbound(ctx context.Context, server panel.Server, id int64) error {
	return nil
}
func (f *fakeAPI) AddClient(ctx context.Context, server panel.Server, inboundID int64, client *panel.Client) error {
	return nil
}
func (f *fakeAPI) UpdateClient(ctx context.Context, server panel.Server, clientID string, inboundID int64, client *panel.Client) error {
	return nil
}
func (f *fakeAPI) DeleteClient(ctx context.Context, server panel.Server, inboundID int64, clientID string) error {
	return nil
}

// statsInbound builds an inbound whose clientStats carry the given emails.
func statsInbound(t *testing.T, id int64, emails ...string) panel.Inbound {
	t.Helper()

	var stats []string
	for _, e := range emails {
		stats = append(stats, fmt.Sprintf(`{"email":%q,"up":0,"down":0}`, e))
	}
	var doc = fmt.Sprintf(`{"id":%d,"protocol":"vless","clientStats":[%s]}`,
		id, strings.Join(stats, ","))

	var ib panel.Inbound
	require.NoError(t, json.Unmarshal([]byte(doc), &ib))
	return ib
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	var s, err = state.Open(filepath.Join(t.TempDir(), "state.db"),
		state.Options{WAL: true, Synchronous: "NORMAL"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func baseline(t *testing.T, s *state.Store, email, server string) panel.Traffic {
	t.Helper()
	var tr, seen, err = s.GetLastCounter(context.Background(), email, server)
	require.NoError(t, err)
	require.True(t, seen, "expected a baseline for %s on %s", email, server)
	return tr
}

func total(t *testing.T, s *state.Store, email string) panel.Traffic {
	t.Helper()
	var tr, err = s.GetTotal(context.Background(), email)
	require.NoError(t, err)
	return tr
}

var central = panel.Server{URL: "https://central:2053"}
var node1 = panel.Server{URL: "https://n1:2053"}
var node2 = panel.Server{URL: "https://n2:2053"}

func TestFirstObservationAnchorsToCentral(t *testing.T) {
	var api = newFakeAPI()
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
	api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
	api.set(node1, "a@x", panel.Traffic{Up: 50, Down: 50})
	api.set(node2, "a@x", panel.Traffic{Up: 10, Down: 10})

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}
	var ctx = context.Background()

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1, node2}))

	// The total is the central panel's current counter; node counters are
	// discarded, not summed.
	require.Equal(t, panel.Traffic{Up: 100, Down: 200}, total(t, store, "a@x"))

	// Every panel was aligned to the total, and every baseline records the
	// aligned value.
	require.Equal(t, []string{
		"https://central:2053 a@x 100/200",
		"https://n1:2053 a@x 100/200",
		"https://n2:2053 a@x 100/200",
	}, api.writeLog())
	for _, server := range []panel.Server{central, node1, node2} {
		require.Equal(t, panel.Traffic{Up: 100, Down: 200}, baseline(t, store, "a@x", server.Key()))
	}

	// No deltas were attributed to any node.
	nodeTotals, err := store.ListNodeTotals(ctx, "a@x")
	require.NoError(t, err)
	require.Empty(t, nodeTotals)

	// The accounting cycle was stamped.
	totals, err := store.ListTotals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	require.NotZero(t, totals[0].CycleStartedAt)
}

func TestDeltasAccumulateAcrossPanels(t *testing.T) {
	var api = newFakeAPI()
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
	api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
	api.set(node1, "a@x", panel.Traffic{Up: 50, Down: 50})

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}
	var ctx = context.Background()

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	// Both panels now sit at 100/200. Central grows by 20/10 and the node
	// by 20/20 before the next cycle.
	api.set(central, "a@x", panel.Traffic{Up: 120, Down: 210})
	api.set(node1, "a@x", panel.Traffic{Up: 120, Down: 220})

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	require.Equal(t, panel.Traffic{Up: 140, Down: 230}, total(t, store, "a@x"))
	require.Equal(t, panel.Traffic{Up: 140, Down: 230}, api.get(central, "a@x"))
	require.Equal(t, panel.Traffic{Up: 140, Down: 230}, api.get(node1, "a@x"))
	require.Equal(t, panel.Traffic{Up: 140, Down: 230}, baseline(t, store, "a@x", central.Key()))
	require.Equal(t, panel.Traffic{Up: 140, Down: 230}, baseline(t, store, "a@x", node1.Key()))

	// The node's growth is attributed to it; central's growth is part of
	// the total but never lands in node accounting.
	nodeTotals, err := store.ListNodeTotals(ctx, "a@x")
	require.NoError(t, err)
	require.Equal(t, []state.Counter{
		{Server: node1.Key(), Traffic: panel.Traffic{Up: 20, Down: 20}},
	}, nodeTotals)
}

func TestQuiescentCycleWritesNothing(t *testing.T) {
	var api = newFakeAPI()
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
	api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
	api.set(node1, "a@x", panel.Traffic{Up: 50, Down: 50})

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}
	var ctx = context.Background()

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))
	var writesAfterFirst = api.writeCount()

	// Nothing moved: the second cycle must not touch any panel.
	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))
	require.Equal(t, writesAfterFirst, api.writeCount())
	require.Equal(t, panel.Traffic{Up: 100, Down: 200}, total(t, store, "a@x"))
}

func TestNodeResetCountsCurrentAsDelta(t *testing.T) {
	var api = newFakeAPI()
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
	api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
	api.set(node1, "a@x", panel.Traffic{Up: 100, Down: 200})

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}
	var ctx = context.Background()

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	// The node was reinstalled and its counter restarted from near zero.
	api.set(node1, "a@x", panel.Traffic{Up: 5, Down: 7})

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	require.Equal(t, panel.Traffic{Up: 105, Down: 207}, total(t, store, "a@x"))
	require.Equal(t, panel.Traffic{Up: 105, Down: 207}, api.get(node1, "a@x"))

	nodeTotals, err := store.ListNodeTotals(ctx, "a@x")
	require.NoError(t, err)
	require.Equal(t, []state.Counter{
		{Server: node1.Key(), Traffic: panel.Traffic{Up: 5, Down: 7}},
	}, nodeTotals)
}

func TestCentralResetReanchorsEverything(t *testing.T) {
	var api = newFakeAPI()
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
	api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
	api.set(node1, "a@x", panel.Traffic{Up: 100, Down: 200})

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}
	var ctx = context.Background()

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))
	require.NoError(t, store.AddNodeDelta(ctx, "a@x", node1.Key(), panel.Traffic{Up: 9, Down: 9}))

	// Central was reset out from under us.
	api.set(central, "a@x", panel.Traffic{Up: 10, Down: 5})

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	// Everything re-anchors to central's current value: the total, both
	// panels, both baselines. Node accumulations are dropped.
	require.Equal(t, panel.Traffic{Up: 10, Down: 5}, total(t, store, "a@x"))
	require.Equal(t, panel.Traffic{Up: 10, Down: 5}, api.get(central, "a@x"))
	require.Equal(t, panel.Traffic{Up: 10, Down: 5}, api.get(node1, "a@x"))
	require.Equal(t, panel.Traffic{Up: 10, Down: 5}, baseline(t, store, "a@x", central.Key()))
	require.Equal(t, panel.Traffic{Up: 10, Down: 5}, baseline(t, store, "a@x", node1.Key()))

	nodeTotals, err := store.ListNodeTotals(ctx, "a@x")
	require.NoError(t, err)
	require.Empty(t, nodeTotals)
}

func TestFailedNodeWriteKeepsBaseline(t *testing.T) {
	var api = newFakeAPI()
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
	api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
	api.set(node1, "a@x", panel.Traffic{Up: 100, Down: 200})

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}
	var ctx = context.Background()

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	// Central grows while the node is unreachable for writes.
	api.set(central, "a@x", panel.Traffic{Up: 120, Down: 200})
	api.writeErr[node1.Key()] = fmt.Errorf("connection refused")

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	require.Equal(t, panel.Traffic{Up: 120, Down: 200}, total(t, store, "a@x"))
	require.Equal(t, panel.Traffic{Up: 120, Down: 200}, baseline(t, store, "a@x", central.Key()))

	// The node write failed, so its baseline still holds the last value
	// actually written and its panel still shows it.
	require.Equal(t, panel.Traffic{Up: 100, Down: 200}, baseline(t, store, "a@x", node1.Key()))
	require.Equal(t, panel.Traffic{Up: 100, Down: 200}, api.get(node1, "a@x"))

	// Once reachable again, the next advance re-corrects the node.
	delete(api.writeErr, node1.Key())
	api.set(central, "a@x", panel.Traffic{Up: 121, Down: 200})

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	require.Equal(t, panel.Traffic{Up: 121, Down: 200}, total(t, store, "a@x"))
	require.Equal(t, panel.Traffic{Up: 121, Down: 200}, api.get(node1, "a@x"))
	require.Equal(t, panel.Traffic{Up: 121, Down: 200}, baseline(t, store, "a@x", node1.Key()))
}

func TestFailedNodeReadSubstitutesZeros(t *testing.T) {
	var api = newFakeAPI()
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
	api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
	api.set(node1, "a@x", panel.Traffic{Up: 100, Down: 200})

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}
	var ctx = context.Background()

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	api.set(central, "a@x", panel.Traffic{Up: 110, Down: 210})
	api.readErr[node1.Key()] = fmt.Errorf("read timeout")

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1}))

	// The unreadable node contributes zeros, which register as a harmless
	// empty delta rather than an error; central's growth still lands.
	require.Equal(t, panel.Traffic{Up: 110, Down: 210}, total(t, store, "a@x"))
	require.Equal(t, panel.Traffic{Up: 110, Down: 210}, api.get(node1, "a@x"))

	nodeTotals, err := store.ListNodeTotals(ctx, "a@x")
	require.NoError(t, err)
	require.Empty(t, nodeTotals)
}

func TestFailedNodeLoginSkipsItForTheCycle(t *testing.T) {
	var api = newFakeAPI()
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
	api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
	api.set(node2, "a@x", panel.Traffic{Up: 10, Down: 10})
	api.loginErr[node1.Key()] = fmt.Errorf("connection refused")

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}
	var ctx = context.Background()

	require.NoError(t, agg.Aggregate(ctx, central, []panel.Server{node1, node2}))

	// Only central and the reachable node were touched or baselined.
	require.Equal(t, []string{
		"https://central:2053 a@x 100/200",
		"https://n2:2053 a@x 100/200",
	}, api.writeLog())

	counters, err := store.ListCounters(ctx, "a@x")
	require.NoError(t, err)
	require.Equal(t, []state.Counter{
		{Server: central.Key(), Traffic: panel.Traffic{Up: 100, Down: 200}},
		{Server: node2.Key(), Traffic: panel.Traffic{Up: 100, Down: 200}},
	}, counters)
}

func TestCentralFailuresAbortTheCycle(t *testing.T) {
	var store = testStore(t)
	var ctx = context.Background()

	var api = newFakeAPI()
	api.loginErr[central.Key()] = fmt.Errorf("connection refused")
	var agg = &Aggregator{API: api, Store: store}
	require.ErrorContains(t, agg.Aggregate(ctx, central, []panel.Server{node1}),
		"logging in to central")

	api = newFakeAPI()
	api.listErr = fmt.Errorf("bad gateway")
	agg = &Aggregator{API: api, Store: store}
	require.ErrorContains(t, agg.Aggregate(ctx, central, []panel.Server{node1}),
		"listing central inbounds")

	api = newFakeAPI()
	agg = &Aggregator{API: api, Store: store}
	require.ErrorContains(t, agg.Aggregate(ctx, central, []panel.Server{node1}),
		"no inbounds")

	totals, err := store.ListTotals(ctx)
	require.NoError(t, err)
	require.Empty(t, totals)
}

func TestEmailsComeFromStatsAndSettings(t *testing.T) {
	var api = newFakeAPI()

	// a@x appears in clientStats, b@x only inside the settings document.
	var withSettings panel.Inbound
	require.NoError(t, json.Unmarshal([]byte(
		`{"id":2,"protocol":"vless","settings":"{\"clients\":[{\"id\":\"u1\",\"email\":\"b@x\"}]}"}`,
	), &withSettings))
	api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x"), withSettings}

	api.set(central, "a@x", panel.Traffic{Up: 1, Down: 1})
	api.set(central, "b@x", panel.Traffic{Up: 2, Down: 2})

	var store = testStore(t)
	var agg = &Aggregator{API: api, Store: store}

	require.NoError(t, agg.Aggregate(context.Background(), central, nil))

	// Emails are processed in sorted order.
	require.Equal(t, []string{
		"https://central:2053 a@x 1/1",
		"https://central:2053 b@x 2/2",
	}, api.writeLog())
}

func TestParallelReadsMatchSerial(t *testing.T) {
	var run = func(parallel bool) panel.Traffic {
		var api = newFakeAPI()
		api.inbounds = []panel.Inbound{statsInbound(t, 1, "a@x")}
		api.set(central, "a@x", panel.Traffic{Up: 100, Down: 200})
		api.set(node1, "a@x", panel.Traffic{Up: 40, Down: 40})
		api.set(node2, "a@x", panel.Traffic{Up: 60, Down: 60})

		var store = testStore(t)
		var agg = &Aggregator{API: api, Store: store, ParallelReads: parallel, MaxWorkers: 4}
		var nodes = []panel.Server{node1, node2}
		var ctx = context.Background()

		require.NoError(t, agg.Aggregate(ctx, central, nodes))

		api.set(central, "a@x", panel.Traffic{Up: 103, Down: 200})
		api.set(node1, "a@x", panel.Traffic{Up: 105, Down: 201})
		api.set(node2, "a@x", panel.Traffic{Up: 100, Down: 207})

		require.NoError(t, agg.Aggregate(ctx, central, nodes))
		return total(t, store, "a@x")
	}

	require.Equal(t, run(false), run(true))
	require.Equal(t, panel.Traffic{Up: 108, Down: 208}, run(true))
}

func TestReadLimit(t *testing.T) {
	require.Equal(t, 3, readLimit(3, 8))
	require.Equal(t, 8, readLimit(20, 8))
	require.Equal(t, 1, readLimit(0, 8))
	require.Equal(t, 1, readLimit(4, 0))
}

func TestCollectEmails(t *testing.T) {
	var mixed panel.Inbound
	require.NoError(t, json.Unmarshal([]byte(
		`{"id":3,"protocol":"trojan","settings":"{\"clients\":[{\"password\":\"pw\",\"email\":\"c@x\"},{\"password\":\"pw2\"}]}"}`,
	), &mixed))

	var emails = collectEmails([]panel.Inbound{
		statsInbound(t, 1, "b@x", "a@x"),
		statsInbound(t, 2, "a@x", ""),
		mixed,
	})
	require.Equal(t, []string{"a@x", "b@x", "c@x"}, emails)
}
