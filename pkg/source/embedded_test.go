package source

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlbeek/gasdivergence/pkg/replay"
)

func TestEmbedded_CommitAndRevert(t *testing.T) {
	e := NewEmbedded(logrus.New(), 4)

	block := &replay.RecoveredBlock{Header: replay.BlockHeader{Number: 100}}

	require.True(t, e.CommitBlock(block, nil))
	require.True(t, e.RevertRange(100, 105))

	first := <-e.Notifications()
	assert.Equal(t, replay.KindCommitted, first.Kind)
	assert.Equal(t, uint64(100), first.Block.Header.Number)

	second := <-e.Notifications()
	assert.Equal(t, replay.KindReverted, second.Kind)
	assert.Equal(t, uint64(100), second.RevertedFrom)
	assert.Equal(t, uint64(105), second.RevertedTo)
}

func TestEmbedded_OverflowDropsWithoutBlocking(t *testing.T) {
	e := NewEmbedded(logrus.New(), 1)

	block := &replay.RecoveredBlock{Header: replay.BlockHeader{Number: 1}}

	assert.True(t, e.CommitBlock(block, nil))
	assert.False(t, e.CommitBlock(block, nil))
}

func TestEmbedded_CloseEndsStream(t *testing.T) {
	e := NewEmbedded(logrus.New(), 4)

	e.Close()

	_, ok := <-e.Notifications()
	assert.False(t, ok)

	assert.False(t, e.CommitBlock(&replay.RecoveredBlock{}, nil))
}

func TestEmbedded_OnReadyCallbackOrder(t *testing.T) {
	e := NewEmbedded(logrus.New(), 4)

	var order []int

	e.OnReady(func(context.Context) error { order = append(order, 1); return nil })
	e.OnReady(func(context.Context) error { order = append(order, 2); return nil })

	e.MarkReady(context.Background())

	assert.Equal(t, []int{1, 2}, order)

	// Registered after ready: runs immediately.
	e.OnReady(func(context.Context) error { order = append(order, 3); return nil })

	assert.Equal(t, []int{1, 2, 3}, order)
}
