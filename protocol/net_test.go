package protocol

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/amelisa/utils"
)

func TestNetConnect(t *testing.T) {
	loop := "tcp://127.0.0.1:32087"

	log := utils.NewDefaultLogger(slog.LevelDebug)

	lCon := utils.NewFDQueue[Records](1000, time.Minute)
	l := NewNet(log, nil, func(_ string) FeedDrainCloser {
		return lCon
	}, func(_ string) {})

	err := l.Listen(context.Background(), loop)
	require.NoError(t, err)

	cCon := utils.NewFDQueue[Records](1000, time.Minute)
	c := NewNet(log, nil, func(_ string) FeedDrainCloser {
		return cCon
	}, func(_ string) {})

	err = c.Connect(context.Background(), loop)
	require.NoError(t, err)

	// send a record
	err = cCon.Drain(context.Background(), Records{Record('M', []byte("Hi there"))})
	assert.NoError(t, err)

	rec, err := lCon.Feed(context.Background())
	assert.NoError(t, err)
	assert.Greater(t, len(rec), 0)

	lit, body, rest := TakeAny(rec[0])
	assert.Equal(t, uint8('M'), lit)
	assert.Equal(t, "Hi there", string(body))
	assert.Equal(t, 0, len(rest))

	// respond to that
	err = lCon.Drain(context.Background(), Records{Record('M', []byte("Re: Hi there"))})
	assert.NoError(t, err)

	rerec, err := cCon.Feed(context.Background())
	assert.NoError(t, err)
	assert.Greater(t, len(rerec), 0)

	relit, rebody, rerest := TakeAny(rerec[0])
	assert.Equal(t, uint8('M'), relit)
	assert.Equal(t, "Re: Hi there", string(rebody))
	assert.Equal(t, 0, len(rerest))

	// cleanup
	assert.NoError(t, c.Close())
	assert.NoError(t, l.Close())
}

func TestNetConnectFailed(t *testing.T) {
	loop := "tcp://127.0.0.1:32088"

	log := utils.NewDefaultLogger(slog.LevelDebug)

	cCon := utils.NewFDQueue[Records](16, time.Millisecond)
	c := NewNet(log, nil, func(_ string) FeedDrainCloser {
		return cCon
	}, func(_ string) {})

	err := c.Connect(context.Background(), loop)
	assert.NoError(t, err)
	time.Sleep(time.Second) // keeps retrying with backoff meanwhile

	assert.NoError(t, c.Close())
}
