package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterOn(t *testing.T) {
	var e Emitter[int]
	var got []int

	sub := e.On(func(v int) { got = append(got, v) })
	assert.Equal(t, 1, e.Len())

	e.Emit(1)
	e.Emit(2)
	assert.Equal(t, []int{1, 2}, got)

	sub()
	assert.Equal(t, 0, e.Len())
	e.Emit(3)
	assert.Equal(t, []int{1, 2}, got)
}

func TestEmitterOnce(t *testing.T) {
	var e Emitter[string]
	n := 0
	e.Once(func(string) { n++ })

	e.Emit("a")
	e.Emit("b")
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, e.Len())
}

func TestEmitterOrder(t *testing.T) {
	var e Emitter[int]
	var order []string
	e.On(func(int) { order = append(order, "first") })
	e.On(func(int) { order = append(order, "second") })

	e.Emit(0)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmitterUnsubscribeDuringEmit(t *testing.T) {
	var e Emitter[int]
	n := 0
	var sub Subscription
	sub = e.On(func(int) {
		n++
		sub()
	})

	e.Emit(0)
	e.Emit(0)
	assert.Equal(t, 1, n)
}
