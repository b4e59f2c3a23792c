package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterFiresInRegistrationOrder(t *testing.T) {
	var e Emitter[int]
	var got []string

	e.Subscribe(func(v int) { got = append(got, "a") })
	e.Subscribe(func(v int) { got = append(got, "b") })
	e.Fire(1)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEmitterUnsubscribe(t *testing.T) {
	var e Emitter[string]
	calls := 0
	unsub := e.Subscribe(func(string) { calls++ })

	e.Fire("x")
	unsub()
	unsub()
	e.Fire("y")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Len())
}

func TestEmitterUnsubscribeDuringFire(t *testing.T) {
	var e Emitter[int]
	calls := 0
	var unsub func()
	unsub = e.Subscribe(func(int) {
		calls++
		unsub()
	})
	e.Subscribe(func(int) { calls++ })

	e.Fire(1)
	e.Fire(2)

	assert.Equal(t, 3, calls)
}

func TestRelay(t *testing.T) {
	var src, dst Emitter[int]
	var got []int
	dst.Subscribe(func(v int) { got = append(got, v) })

	stop := Relay(&src, &dst)
	src.Fire(1)
	src.Fire(2)
	stop()
	src.Fire(3)

	assert.Equal(t, []int{1, 2}, got)
}

func TestDisposables(t *testing.T) {
	var d Disposables
	var order []int
	d.Add(func() { order = append(order, 1) })
	d.Add(func() { order = append(order, 2) })

	d.Dispose()
	d.Dispose()
	assert.Equal(t, []int{2, 1}, order)
	assert.True(t, d.IsDisposed())

	d.Add(func() { order = append(order, 3) })
	assert.Equal(t, []int{2, 1, 3}, order)
}
