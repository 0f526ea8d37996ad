package tunnelbuilder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
	"bdt/tunnel"
)

func TestBuilderReusesMemoizedEndpointWithoutRacing(t *testing.T) {
	container := tunnel.NewContainer(bid.ObjectId{1}, tunnel.Config{}, nil)
	dialer := &fakeDialer{}
	memo := NewEndpointMemo(time.Minute)
	memo.remember(container.Remote(), ep(200))

	b := NewBuilder(container, dialer, nil)
	b.SetEndpointMemo(memo)

	res, err := b.Build(context.Background(), []bid.Endpoint{ep(100), ep(200)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(200), res.Tunnel.Remote().Port)
}

func TestBuilderMemoizesWinnerAfterBuild(t *testing.T) {
	container := tunnel.NewContainer(bid.ObjectId{1}, tunnel.Config{}, nil)
	dialer := &fakeDialer{}
	memo := NewEndpointMemo(time.Minute)

	b := NewBuilder(container, dialer, nil)
	b.SetEndpointMemo(memo)

	_, err := b.Build(context.Background(), []bid.Endpoint{ep(100)}, nil)
	require.NoError(t, err)

	got, ok := memo.recall(container.Remote())
	require.True(t, ok)
	assert.Equal(t, uint16(100), got.Port)
}

func TestBuilderFallsBackWhenMemoizedEndpointFails(t *testing.T) {
	container := tunnel.NewContainer(bid.ObjectId{1}, tunnel.Config{}, nil)
	dialer := &fakeDialer{udpFail: map[uint16]bool{100: true}}
	memo := NewEndpointMemo(time.Minute)
	memo.remember(container.Remote(), ep(100))

	b := NewBuilder(container, dialer, nil)
	b.SetEndpointMemo(memo)

	res, err := b.Build(context.Background(), []bid.Endpoint{ep(100), ep(200)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(200), res.Tunnel.Remote().Port)
}
