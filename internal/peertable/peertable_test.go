package peertable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgwatchdog/watchdog/internal/wdnode"
)

func newTable(t *testing.T, peerIDs ...int) *Table {
	t.Helper()
	local := wdnode.New(wdnode.Identity{ID: 1})
	tbl := New(local)
	for _, id := range peerIDs {
		tbl.Add(wdnode.New(wdnode.Identity{ID: id}))
	}
	return tbl
}

func TestAllReturnsLocalAndPeersSortedByID(t *testing.T) {
	tbl := newTable(t, 3, 2)
	all := tbl.All()
	require.Len(t, all, 3)
	require.Equal(t, []int{1, 2, 3}, []int{all[0].ID, all[1].ID, all[2].ID})
}

func TestPeersPreservesInsertionOrder(t *testing.T) {
	tbl := newTable(t, 5, 2, 9)
	var ids []int
	for _, p := range tbl.Peers() {
		ids = append(ids, p.ID)
	}
	require.Equal(t, []int{5, 2, 9}, ids)
}

func TestActiveReachableRequiresBothConditions(t *testing.T) {
	tbl := newTable(t, 2, 3)
	p2 := tbl.Get(2)
	p3 := tbl.Get(3)

	p2.SetState(wdnode.Standby)
	p2.Inbound.SetState(wdnode.Connected)

	p3.SetState(wdnode.Dead) // active=false even though reachable
	p3.Inbound.SetState(wdnode.Connected)

	got := tbl.ActiveReachable()
	require.Len(t, got, 1)
	require.Equal(t, 2, got[0].ID)
}

func TestCoordinatorPeersIncludesLocal(t *testing.T) {
	tbl := newTable(t, 2)
	tbl.Local().SetState(wdnode.Coordinator)
	tbl.Get(2).SetState(wdnode.Coordinator)

	coords := tbl.CoordinatorPeers()
	require.Len(t, coords, 2, "split-brain can transiently show two coordinators")
}

func TestServiceLoopMarksLostAfterReplyTimeout(t *testing.T) {
	tbl := newTable(t, 2)
	p := tbl.Get(2)
	p.SetState(wdnode.Standby)

	var lost []int
	// No send recorded yet: LastSent is zero, must not be marked lost.
	tbl.ServiceLoop(time.Now(), func(n *wdnode.Node) { lost = append(lost, n.ID) })
	require.Empty(t, lost)

	p.TouchSent()
	tbl.ServiceLoop(time.Now().Add(ReplyTimeout+time.Second), func(n *wdnode.Node) { lost = append(lost, n.ID) })
	require.Equal(t, []int{2}, lost)
	require.Equal(t, wdnode.Lost, p.State())
}

func TestServiceLoopSkipsShutdownPeers(t *testing.T) {
	tbl := newTable(t, 2)
	p := tbl.Get(2)
	p.SetState(wdnode.Shutdown)
	p.TouchSent()

	var lost []int
	tbl.ServiceLoop(time.Now().Add(ReplyTimeout+time.Second), func(n *wdnode.Node) { lost = append(lost, n.ID) })
	require.Empty(t, lost)
}
