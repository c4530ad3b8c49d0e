package harness

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocireg/raftcore/internal/action"
	"github.com/ocireg/raftcore/internal/machine"
	"github.com/ocireg/raftcore/internal/reducer"
	"github.com/ocireg/raftcore/internal/storage"
)

// testNode bundles everything needed to run one harness against a
// real local HTTP server, so the test exercises the actual transport
// wiring rather than calling Step directly.
type testNode struct {
	id     string
	h      *Harness
	server *httptest.Server
	red    *reducer.Reducer
}

func newTestCluster(t *testing.T, ids ...string) map[string]*testNode {
	t.Helper()
	nodes := make(map[string]*testNode, len(ids))
	servers := make(map[string]*httptest.Server, len(ids))

	for _, id := range ids {
		srv := httptest.NewUnstartedServer(nil)
		servers[id] = srv
	}

	for _, id := range ids {
		var peers []Peer
		for _, other := range ids {
			if other == id {
				continue
			}
			// servers[other].URL is only set by Start, so the address
			// comes from the listener NewUnstartedServer already opened.
			peers = append(peers, Peer{ID: other, BaseURL: "http://" + servers[other].Listener.Addr().String()})
		}

		var peerIDs []string
		for _, p := range peers {
			peerIDs = append(peerIDs, p.ID)
		}

		m := machine.New(id, peerIDs, fastConfig())
		store, _, _, _, err := storage.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		red := reducer.New()
		h := New(Config{
			ID:           id,
			Peers:        peers,
			TickInterval: 5 * time.Millisecond,
			RPCTimeout:   200 * time.Millisecond,
			Log:          zerolog.Nop(),
		}, m, store, red)

		servers[id].Config.Handler = h.Router()
		servers[id].Start()
		t.Cleanup(servers[id].Close)

		nodes[id] = &testNode{id: id, h: h, server: servers[id], red: red}
	}

	return nodes
}

func fastConfig() machine.Config {
	cfg := machine.DefaultConfig()
	cfg.ElectionLow, cfg.ElectionHigh = 4, 6
	cfg.HeartbeatTicks = 2
	return cfg
}

func runCluster(ctx context.Context, nodes map[string]*testNode) {
	for _, n := range nodes {
		go n.h.Run(ctx)
	}
}

func waitForLeader(t *testing.T, nodes map[string]*testNode, timeout time.Duration) *testNode {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.h.statusSnapshot().Status == machine.Leader.String() {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected before timeout")
	return nil
}

func TestClusterElectsLeaderAndReplicatesWrites(t *testing.T) {
	nodes := newTestCluster(t, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runCluster(ctx, nodes)

	leader := waitForLeader(t, nodes, 2*time.Second)

	appendCtx, appendCancel := context.WithTimeout(context.Background(), time.Second)
	defer appendCancel()
	_, _, err := leader.h.Append(appendCtx, action.Action{
		Type: action.BlobMounted, Hash: "sha256:deadbeef", Repository: "library/x",
	})
	require.NoError(t, err)

	assert.True(t, leader.red.IsBlobAvailable("library/x", "sha256:deadbeef"))

	deadline := time.Now().Add(time.Second)
	for _, n := range nodes {
		if n == leader {
			continue
		}
		for time.Now().Before(deadline) && !n.red.IsBlobAvailable("library/x", "sha256:deadbeef") {
			time.Sleep(5 * time.Millisecond)
		}
		assert.True(t, n.red.IsBlobAvailable("library/x", "sha256:deadbeef"), "follower %s did not replicate the write", n.id)
	}
}

func TestAppendRejectedByFollowerWithLeaderHint(t *testing.T) {
	nodes := newTestCluster(t, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runCluster(ctx, nodes)

	leader := waitForLeader(t, nodes, 2*time.Second)

	var follower *testNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	appendCtx, appendCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer appendCancel()
	_, _, err := follower.h.Append(appendCtx, action.Action{Type: action.BlobMounted, Hash: "sha256:x", Repository: "r"})
	require.Error(t, err)

	notLeader, ok := err.(*ErrNotLeader)
	require.True(t, ok, "expected ErrNotLeader, got %T: %v", err, err)
	assert.Equal(t, leader.id, notLeader.Hint)
}
