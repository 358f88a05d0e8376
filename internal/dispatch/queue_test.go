package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	assert.True(t, q.Enqueue(vsync(1)))
	assert.True(t, q.Enqueue(vsync(2)))
	assert.Equal(t, 2, q.Len())

	e, ok := q.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), e.Count)

	e, ok = q.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), e.Count)

	_, ok = q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_SignalCoalesces(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(vsync(1))
	q.Enqueue(vsync(2))

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("second signal should have been coalesced")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(vsync(1))
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(vsync(2)))

	<-q.Wait()
	_, ok := <-q.Wait()
	assert.False(t, ok, "signal channel closed")

	e, ok := q.TryDequeue()
	assert.True(t, ok, "queued events survive close")
	assert.Equal(t, uint64(1), e.Count)
}

func TestTokenGenerators(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })

	u := UUIDv7Generator{}
	t1, t2 := u.Generate(), u.Generate()
	assert.Len(t, t1, 36)
	assert.NotEqual(t, t1, t2)
}
