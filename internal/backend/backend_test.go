package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycode/relayd/internal/wire"
)

func TestFanoutEmitDoesNotBlockOnFullSubscriber(t *testing.T) {
	f := newFanout()
	ch, cancel := f.subscribe()
	defer cancel()

	for i := 0; i < cap(ch)+10; i++ {
		f.emit(wire.NewTextDelta("s1", "x"))
	}

	require.Len(t, ch, cap(ch))
}

func TestFanoutSubscribeAfterCloseAllReturnsClosedChannel(t *testing.T) {
	f := newFanout()
	f.closeAll()

	ch, cancel := f.subscribe()
	defer cancel()

	_, ok := <-ch
	require.False(t, ok)
}

func TestFanoutCloseAllIsIdempotent(t *testing.T) {
	f := newFanout()
	f.subscribe()
	f.closeAll()
	f.closeAll()
}
