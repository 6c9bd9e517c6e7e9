package pt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"tdinvert/chain"
	"tdinvert/config"
)

func newReplica(t *testing.T, level, chainIdx int, temp, likelihood float64) *Replica {
	t.Helper()
	cfg := config.Default()
	s := chain.New(cfg, chainIdx, temp, 3)
	s.Likelihood = likelihood
	s.CommitResidual()
	return &Replica{Level: level, Chain: chainIdx, State: s}
}

func TestNewLadderIsLogSpacedAndStartsAtOne(t *testing.T) {
	l := NewLadder(4, 100, 2)
	require.Equal(t, 1.0, l.Temperatures[0])
	require.InDelta(t, 100.0, l.Temperatures[3], 1e-9)
	for i := 1; i < len(l.Temperatures); i++ {
		require.Greater(t, l.Temperatures[i], l.Temperatures[i-1])
	}
}

func TestNewLadderSingleLevel(t *testing.T) {
	l := NewLadder(1, 50, 3)
	require.Equal(t, []float64{1}, l.Temperatures)
}

func TestSwapRoundAlwaysAcceptsWhenColderChainHasHigherNLL(t *testing.T) {
	ladder := NewLadder(2, 10, 1)
	cold := newReplica(t, 0, 0, ladder.Temperatures[0], -1.0)
	hot := newReplica(t, 1, 0, ladder.Temperatures[1], -100.0)
	coldTreeBefore := cold.State.Tree
	hotTreeBefore := hot.State.Tree

	var reinit []int
	c := New(ladder, []*Replica{cold, hot}, nil, func(level int) { reinit = append(reinit, level) })
	c.SwapRound(42)

	require.NotSame(t, coldTreeBefore, cold.State.Tree)
	require.Same(t, coldTreeBefore, hot.State.Tree)
	require.Same(t, hotTreeBefore, cold.State.Tree)
	require.Equal(t, ladder.Temperatures[0], cold.State.Temperature)
	require.Equal(t, ladder.Temperatures[1], hot.State.Temperature)
	require.NotEmpty(t, reinit)
}

func TestSwapRoundNoOpWithOneLevel(t *testing.T) {
	ladder := NewLadder(1, 10, 1)
	only := newReplica(t, 0, 0, 1, -5)
	c := New(ladder, []*Replica{only}, nil, nil)
	require.NotPanics(t, func() { c.SwapRound(1) })
}

func TestResampleCopiesDonorModelPreservingAcceptorTemperature(t *testing.T) {
	ladder := NewLadder(2, 10, 1)
	donor := newReplica(t, 0, 0, ladder.Temperatures[0], -1.0)
	acceptor := newReplica(t, 1, 0, ladder.Temperatures[1], -50.0)
	require.NoError(t, donor.State.Tree.Insert(1, 0.5))

	c := New(ladder, []*Replica{donor, acceptor}, nil, nil)
	rng := rand.New(rand.NewSource(7))
	copied := c.Resample(rng, 1, 0)

	require.True(t, copied)
	require.Equal(t, ladder.Temperatures[1], acceptor.State.Temperature)
	require.Equal(t, donor.State.Likelihood, acceptor.State.Likelihood)
	require.True(t, acceptor.State.Tree.Contains(1))
}

func TestResampleRejectsWrongLevelOrder(t *testing.T) {
	ladder := NewLadder(2, 10, 1)
	a := newReplica(t, 0, 0, ladder.Temperatures[0], -1.0)
	b := newReplica(t, 1, 0, ladder.Temperatures[1], -1.0)
	c := New(ladder, []*Replica{a, b}, nil, nil)
	rng := rand.New(rand.NewSource(1))
	require.False(t, c.Resample(rng, 0, 1))
}

func TestInitialiseForSnapshotsLiveTree(t *testing.T) {
	cfg := config.Default()
	s := chain.New(cfg, 0, 1, 2)
	require.NoError(t, s.Tree.Insert(1, 3.25))
	init := InitialiseFor(s)
	require.Len(t, init.Live, 2)
	require.Equal(t, 3.25, init.Live[1])
	require.Equal(t, s.Temperature, init.Temperature)
}

func TestFromConfigExtractsCadence(t *testing.T) {
	cfg := config.Default()
	cfg.ExchangeRate = 50
	cfg.ResampleRate = 100
	cfg.Resample = true
	ec := FromConfig(cfg)
	require.Equal(t, uint64(50), ec.ExchangeRate)
	require.Equal(t, uint64(100), ec.ResampleRate)
	require.True(t, ec.ResampleEnable)
}
