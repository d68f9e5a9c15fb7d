package ledger_test

import (
	"testing"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, policies map[string]ledger.Policy) *ledger.Ledger {
	t.Helper()
	l := ledger.New(policies, nil)
	require.NoError(t, l.Enroll("alice", 100))
	require.NoError(t, l.Enroll("bob", 50))
	return l
}

func TestTransfer(t *testing.T) {
	l := newLedger(t, nil)
	require.NoError(t, l.Transfer("alice", "bob", 30))

	a, _ := l.Balance("alice")
	b, _ := l.Balance("bob")
	assert.Equal(t, int64(70), a)
	assert.Equal(t, int64(80), b)
}

func TestTransferRejectsZeroAndNegative(t *testing.T) {
	l := newLedger(t, nil)
	assert.ErrorIs(t, l.Transfer("alice", "bob", 0), ledger.ErrBadAmount)
	assert.ErrorIs(t, l.Transfer("alice", "bob", -5), ledger.ErrBadAmount)
}

func TestTransferInsufficientLeavesNoTrace(t *testing.T) {
	l := newLedger(t, nil)
	err := l.Transfer("bob", "alice", 100)
	assert.ErrorIs(t, err, ledger.ErrInsufficientScrip)

	a, _ := l.Balance("alice")
	b, _ := l.Balance("bob")
	assert.Equal(t, int64(100), a)
	assert.Equal(t, int64(50), b)
}

func TestTransferUnknownPrincipal(t *testing.T) {
	l := newLedger(t, nil)
	assert.ErrorIs(t, l.Transfer("alice", "ghost", 10), ledger.ErrNotEnrolled)
	assert.ErrorIs(t, l.Transfer("ghost", "alice", 10), ledger.ErrNotEnrolled)
}

func TestMintIncreasesSupply(t *testing.T) {
	l := newLedger(t, nil)
	before := l.TotalSupply()
	require.NoError(t, l.Mint("bob", 25))
	assert.Equal(t, before+25, l.TotalSupply())

	assert.ErrorIs(t, l.Mint("bob", 0), ledger.ErrBadAmount)
	assert.ErrorIs(t, l.Mint("ghost", 5), ledger.ErrNotEnrolled)
}

func TestDepletableResource(t *testing.T) {
	l := newLedger(t, map[string]ledger.Policy{
		"llm_dollars": {Limit: 10},
	})
	require.NoError(t, l.ReserveAndCharge("alice", "llm_dollars", 6))
	require.NoError(t, l.ReserveAndCharge("alice", "llm_dollars", 4))

	err := l.ReserveAndCharge("alice", "llm_dollars", 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientResource)

	q, err := l.Quota("alice", "llm_dollars")
	require.NoError(t, err)
	assert.Equal(t, int64(10), q.Used)
	assert.Equal(t, int64(10), q.Limit)
}

func TestRollingWindowPrunes(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l := ledger.New(map[string]ledger.Policy{
		"llm_tokens": {Limit: 100, WindowSeconds: 60},
	}, nil).WithNow(func() time.Time { return now })
	require.NoError(t, l.Enroll("alice", 0))

	require.NoError(t, l.ReserveAndCharge("alice", "llm_tokens", 80))
	assert.ErrorIs(t, l.ReserveAndCharge("alice", "llm_tokens", 30), ledger.ErrRateExceeded)

	// 59s later the entry is still inside the window.
	now = now.Add(59 * time.Second)
	assert.ErrorIs(t, l.ReserveAndCharge("alice", "llm_tokens", 30), ledger.ErrRateExceeded)

	// At exactly window age the entry expires.
	now = now.Add(1 * time.Second)
	require.NoError(t, l.ReserveAndCharge("alice", "llm_tokens", 30))

	q, err := l.Quota("alice", "llm_tokens")
	require.NoError(t, err)
	assert.Equal(t, int64(30), q.Used)
}

func TestChargeWindowedExplicitCaps(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l := ledger.New(nil, nil).WithNow(func() time.Time { return now })
	require.NoError(t, l.Enroll("alice", 0))

	// Delegation window: 5 charges of 10 fit under a 50 cap, the 6th does not.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.ChargeWindowed("alice", "delegation:alice:bot", 10, 50, 3600))
	}
	err := l.ChargeWindowed("alice", "delegation:alice:bot", 10, 50, 3600)
	assert.ErrorIs(t, err, ledger.ErrRateExceeded)
}

func TestPerPrincipalLimitOverride(t *testing.T) {
	l := newLedger(t, map[string]ledger.Policy{
		"disk_bytes": {Limit: 100},
	})
	l.SetLimit("bob", "disk_bytes", 10)

	require.NoError(t, l.ReserveAndCharge("alice", "disk_bytes", 50))
	assert.ErrorIs(t, l.ReserveAndCharge("bob", "disk_bytes", 11), ledger.ErrInsufficientResource)
	require.NoError(t, l.ReserveAndCharge("bob", "disk_bytes", 10))
}

func TestSettleAppliesAllLegs(t *testing.T) {
	l := newLedger(t, map[string]ledger.Policy{
		"compute_ms": {Limit: 1000},
	})
	require.NoError(t, l.Enroll("carol", 0))

	err := l.Settle("alice",
		[]ledger.ScripCharge{{To: "bob", Amount: 10}, {To: "carol", Amount: 5}},
		[]ledger.ResourceCharge{{Resource: "compute_ms", Amount: 200}})
	require.NoError(t, err)

	a, _ := l.Balance("alice")
	b, _ := l.Balance("bob")
	c, _ := l.Balance("carol")
	assert.Equal(t, int64(85), a)
	assert.Equal(t, int64(60), b)
	assert.Equal(t, int64(5), c)

	q, _ := l.Quota("alice", "compute_ms")
	assert.Equal(t, int64(200), q.Used)
}

func TestSettleFailureLeavesNoTrace(t *testing.T) {
	l := newLedger(t, map[string]ledger.Policy{
		"compute_ms": {Limit: 100},
	})

	// Resource leg exceeds quota; the valid scrip leg must not apply.
	err := l.Settle("alice",
		[]ledger.ScripCharge{{To: "bob", Amount: 10}},
		[]ledger.ResourceCharge{{Resource: "compute_ms", Amount: 500}})
	assert.ErrorIs(t, err, ledger.ErrInsufficientResource)

	a, _ := l.Balance("alice")
	assert.Equal(t, int64(100), a)
	q, _ := l.Quota("alice", "compute_ms")
	assert.Zero(t, q.Used)

	// Combined scrip legs exceed the balance even though each fits alone.
	err = l.Settle("alice",
		[]ledger.ScripCharge{{To: "bob", Amount: 60}, {To: "bob", Amount: 60}}, nil)
	assert.ErrorIs(t, err, ledger.ErrInsufficientScrip)
	a, _ = l.Balance("alice")
	assert.Equal(t, int64(100), a)
}

func TestSettleWindowBreachReportedOverScrip(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l := ledger.New(nil, nil).WithNow(func() time.Time { return now })
	require.NoError(t, l.Enroll("alice", 0))
	require.NoError(t, l.Enroll("bob", 0))

	// Fill a delegation window to its cap.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.ChargeWindowed("alice", "delegation:alice:bob", 10, 50, 3600))
	}

	// Alice is broke AND over the window; the window breach is the error a
	// charger can act on, so it wins.
	err := l.Settle("alice",
		[]ledger.ScripCharge{{To: "bob", Amount: 10}},
		[]ledger.ResourceCharge{{Resource: "delegation:alice:bob", Amount: 10, Limit: 50, WindowSeconds: 3600}})
	assert.ErrorIs(t, err, ledger.ErrRateExceeded)
}

func TestSettleJointResourceLegs(t *testing.T) {
	l := newLedger(t, map[string]ledger.Policy{
		"compute_ms": {Limit: 100},
	})

	// Two legs of 60 against a 100 limit must be rejected jointly.
	err := l.Settle("alice", nil, []ledger.ResourceCharge{
		{Resource: "compute_ms", Amount: 60},
		{Resource: "compute_ms", Amount: 60},
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientResource)
	q, _ := l.Quota("alice", "compute_ms")
	assert.Zero(t, q.Used)
}

func TestExportImportRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l := ledger.New(map[string]ledger.Policy{
		"llm_tokens": {Limit: 100, WindowSeconds: 60},
		"disk_bytes": {Limit: 1000},
	}, nil).WithNow(func() time.Time { return now })
	require.NoError(t, l.Enroll("alice", 40))
	require.NoError(t, l.Enroll("bob", 60))
	require.NoError(t, l.ReserveAndCharge("alice", "llm_tokens", 30))
	require.NoError(t, l.ReserveAndCharge("alice", "disk_bytes", 500))
	l.SetLimit("bob", "disk_bytes", 10)

	restored := ledger.New(nil, nil).WithNow(func() time.Time { return now })
	require.NoError(t, restored.Import(l.Export()))

	assert.Equal(t, l.Balances(), restored.Balances())
	assert.Equal(t, l.TotalSupply(), restored.TotalSupply())

	// Window state carried over: the same charge decision reproduces.
	assert.ErrorIs(t, restored.ReserveAndCharge("alice", "llm_tokens", 80), ledger.ErrRateExceeded)
	assert.ErrorIs(t, restored.ReserveAndCharge("bob", "disk_bytes", 11), ledger.ErrInsufficientResource)
}

func TestImportRejectsNegativeBalance(t *testing.T) {
	l := ledger.New(nil, nil)
	err := l.Import(&ledger.State{Balances: map[string]int64{"alice": -1}})
	assert.ErrorIs(t, err, ledger.ErrBadAmount)
}
