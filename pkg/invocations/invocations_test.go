package invocations_test

import (
	"fmt"
	"testing"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/invocations"
	"github.com/stretchr/testify/assert"
)

func TestObserveAggregates(t *testing.T) {
	r := invocations.NewRegistry(10)
	r.Observe(invocations.Record{EventNo: 1, Artifact: "sorter", Invoker: "alice", Method: "run", OK: true})
	r.Observe(invocations.Record{EventNo: 2, Artifact: "sorter", Invoker: "bob", Method: "run", OK: false, Error: "boom"})
	r.Observe(invocations.Record{EventNo: 3, Artifact: "sorter", Invoker: "alice", Method: "run", OK: true})

	st := r.StatsFor("sorter")
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, int64(2), st.ByInvoker["alice"])
	assert.Equal(t, int64(1), st.ByInvoker["bob"])
	assert.Equal(t, uint64(3), st.LastEvent)

	assert.Zero(t, r.StatsFor("unknown").Total)
}

func TestRingKeepsRecentOnly(t *testing.T) {
	r := invocations.NewRegistry(3)
	for i := 1; i <= 5; i++ {
		r.Observe(invocations.Record{EventNo: uint64(i), Artifact: fmt.Sprintf("a%d", i), Invoker: "x", OK: true})
	}

	recent := r.Recent(0)
	assert.Len(t, recent, 3)
	assert.Equal(t, uint64(3), recent[0].EventNo)
	assert.Equal(t, uint64(5), recent[2].EventNo)

	last := r.Recent(1)
	assert.Len(t, last, 1)
	assert.Equal(t, uint64(5), last[0].EventNo)
}

func TestAllSortedAndDrop(t *testing.T) {
	r := invocations.NewRegistry(10)
	r.Observe(invocations.Record{EventNo: 1, Artifact: "zeta", Invoker: "x", OK: true})
	r.Observe(invocations.Record{EventNo: 2, Artifact: "alpha", Invoker: "x", OK: true})

	all := r.All()
	assert.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Artifact)

	r.Drop("alpha")
	assert.Len(t, r.All(), 1)
}
