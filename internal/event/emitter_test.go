package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDeliversInSubscriptionOrder(t *testing.T) {
	var e Emitter[int]
	var got []string

	e.Subscribe(func(v int) { got = append(got, "a") })
	e.Subscribe(func(v int) { got = append(got, "b") })
	e.Emit(1)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEmitterUnsubscribe(t *testing.T) {
	var e Emitter[string]
	calls := 0

	unsubscribe := e.Subscribe(func(string) { calls++ })
	e.Emit("x")
	unsubscribe()
	e.Emit("y")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Len())
}

func TestEmitterAllowsSubscribeDuringEmit(t *testing.T) {
	var e Emitter[int]
	late := 0

	e.Subscribe(func(int) {
		e.Subscribe(func(int) { late++ })
	})
	e.Emit(1)
	assert.Equal(t, 0, late)

	e.Emit(2)
	assert.Equal(t, 1, late)
}
