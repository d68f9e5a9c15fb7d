package artifacts_test

import (
	"testing"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, s *artifacts.Store, a *artifacts.Artifact) {
	t.Helper()
	require.NoError(t, s.Put(a, false))
}

func TestPutGetRoundTrip(t *testing.T) {
	s := artifacts.NewStore()
	put(t, s, &artifacts.Artifact{
		ID: "secret", Type: artifacts.TypeData, CreatedBy: "alice",
		Content: map[string]any{"value": "42"}, AccessContractID: "private",
		CreatedAtEvent: 1,
	})

	got, err := s.Get("secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, map[string]any{"value": "42"}, got.Content)

	// Returned copies do not alias store state.
	got.Content = "mutated"
	again, err := s.Get("secret")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "42"}, again.Content)
}

func TestGetNotFound(t *testing.T) {
	s := artifacts.NewStore()
	_, err := s.Get("ghost")
	assert.ErrorIs(t, err, artifacts.ErrNotFound)
}

func TestCreatedByImmutable(t *testing.T) {
	s := artifacts.NewStore()
	put(t, s, &artifacts.Artifact{ID: "a", CreatedBy: "alice", CreatedAtEvent: 1})

	err := s.Put(&artifacts.Artifact{ID: "a", CreatedBy: "bob", CreatedAtEvent: 2}, false)
	assert.ErrorIs(t, err, artifacts.ErrImmutable)
}

func TestKernelProtected(t *testing.T) {
	s := artifacts.NewStore()
	put(t, s, &artifacts.Artifact{ID: "mint_task_1", CreatedBy: "kernel",
		KernelProtected: true, CreatedAtEvent: 1})

	err := s.Put(&artifacts.Artifact{ID: "mint_task_1", CreatedBy: "kernel", CreatedAtEvent: 2}, false)
	assert.ErrorIs(t, err, artifacts.ErrProtected)
	assert.ErrorIs(t, s.Delete("mint_task_1", false), artifacts.ErrProtected)

	// The kernel itself may mutate and delete protected artifacts.
	require.NoError(t, s.Put(&artifacts.Artifact{ID: "mint_task_1", CreatedBy: "kernel", CreatedAtEvent: 2}, true))
	require.NoError(t, s.Delete("mint_task_1", true))
}

func TestIndexes(t *testing.T) {
	s := artifacts.NewStore()
	put(t, s, &artifacts.Artifact{ID: "c1", Type: artifacts.TypeContract, CreatedBy: "alice", CreatedAtEvent: 1})
	put(t, s, &artifacts.Artifact{ID: "d1", Type: artifacts.TypeData, CreatedBy: "alice",
		Metadata: map[string]any{"topic": "prices"}, CreatedAtEvent: 2})
	put(t, s, &artifacts.Artifact{ID: "d2", Type: artifacts.TypeData, CreatedBy: "bob", CreatedAtEvent: 3})

	assert.Equal(t, []string{"c1", "d1"}, s.ByCreator("alice"))
	assert.Equal(t, []string{"d1", "d2"}, s.ByType(artifacts.TypeData))
	assert.Equal(t, []string{"d1"}, s.ByMetadataKey("topic"))

	require.NoError(t, s.Delete("d1", false))
	assert.Equal(t, []string{"c1"}, s.ByCreator("alice"))
	assert.Empty(t, s.ByMetadataKey("topic"))
}

func TestListDeterministicOrderAndPagination(t *testing.T) {
	s := artifacts.NewStore()
	// Insert out of order; List must order by creation event.
	put(t, s, &artifacts.Artifact{ID: "z", CreatedBy: "x", CreatedAtEvent: 3})
	put(t, s, &artifacts.Artifact{ID: "a", CreatedBy: "x", CreatedAtEvent: 1})
	put(t, s, &artifacts.Artifact{ID: "m", CreatedBy: "x", CreatedAtEvent: 2})

	all := s.List(nil, 0, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "m", all[1].ID)
	assert.Equal(t, "z", all[2].ID)

	page := s.List(nil, 1, 1)
	require.Len(t, page, 1)
	assert.Equal(t, "m", page[0].ID)

	assert.Nil(t, s.List(nil, 5, 10))
}

func TestDependencyEdges(t *testing.T) {
	s := artifacts.NewStore()
	put(t, s, &artifacts.Artifact{ID: "freeware", Type: artifacts.TypeContract, CreatedBy: "eris", CreatedAtEvent: 1})
	put(t, s, &artifacts.Artifact{ID: "market_price", CreatedBy: "eris", AccessContractID: "freeware", CreatedAtEvent: 2})
	put(t, s, &artifacts.Artifact{ID: "bot", CreatedBy: "bob",
		Content:          map[string]any{"watch": "market_price", "other": "not_an_artifact"},
		AccessContractID: "freeware", CreatedAtEvent: 3})

	assert.ElementsMatch(t, []string{"freeware", "market_price"}, s.Dependencies("bot"))
	assert.Equal(t, []string{"bot"}, s.Dependents("market_price"))

	// Deleting the target severs the inbound edge on the dependent.
	require.NoError(t, s.Delete("market_price", false))
	assert.Equal(t, []string{"freeware"}, s.Dependencies("bot"))
	assert.Empty(t, s.Dependents("market_price"))
}

func TestDependencyCyclesAllowed(t *testing.T) {
	s := artifacts.NewStore()
	put(t, s, &artifacts.Artifact{ID: "a_contract", CreatedBy: "x", CreatedAtEvent: 1})
	put(t, s, &artifacts.Artifact{ID: "b_contract", CreatedBy: "x", AccessContractID: "a_contract", CreatedAtEvent: 2})
	// Close the cycle: a's contract is b.
	require.NoError(t, s.Put(&artifacts.Artifact{ID: "a_contract", CreatedBy: "x",
		AccessContractID: "b_contract", CreatedAtEvent: 3}, false))

	assert.Equal(t, []string{"b_contract"}, s.Dependencies("a_contract"))
	assert.Equal(t, []string{"a_contract"}, s.Dependencies("b_contract"))
}

func TestExportImport(t *testing.T) {
	s := artifacts.NewStore()
	put(t, s, &artifacts.Artifact{ID: "a", CreatedBy: "x", HasStanding: true, CreatedAtEvent: 1})
	put(t, s, &artifacts.Artifact{ID: "b", CreatedBy: "x", Content: map[string]any{"ref": "a"}, CreatedAtEvent: 2})

	fresh := artifacts.NewStore()
	require.NoError(t, fresh.Import(s.Export()))
	assert.Equal(t, 2, fresh.Len())
	assert.Equal(t, []string{"a"}, fresh.Dependencies("b"))
	assert.Equal(t, []string{"a"}, fresh.Principals())
}

func TestMatchName(t *testing.T) {
	assert.True(t, artifacts.MatchName("sorter*", "sorter_v2"))
	assert.True(t, artifacts.MatchName("*_v2", "sorter_v2"))
	assert.True(t, artifacts.MatchName("s*_v*", "sorter_v2"))
	assert.False(t, artifacts.MatchName("mint*", "sorter_v2"))
	assert.True(t, artifacts.MatchName("", "anything"))

	// A pattern without wildcards is an exact-id match.
	assert.True(t, artifacts.MatchName("sorter", "sorter"))
	assert.False(t, artifacts.MatchName("sorter", "sorter_v2"))
	assert.False(t, artifacts.MatchName("sort", "sorter"))
}
