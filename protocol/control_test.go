package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func join(writes [][]byte) string {
	var s string
	for _, w := range writes {
		s += string(w)
	}
	return s
}

func TestControlBytesRequest(t *testing.T) {
	for f := MinFloor; f <= MaxFloor; f++ {
		t.Run(fmt.Sprintf("floor %d", f), func(t *testing.T) {
			writes, ok := ControlBytes(Request(f))
			assert.True(t, ok)
			assert.Len(t, writes, 2)
			assert.Equal(t, fmt.Sprintf("R%d", f), join(writes))
		})
	}

	for _, f := range []int{-1, 8, 9, 100} {
		t.Run(fmt.Sprintf("out of range %d", f), func(t *testing.T) {
			writes, ok := ControlBytes(Request(f))
			assert.False(t, ok)
			assert.Empty(t, writes)
		})
	}
}

func TestControlBytes(t *testing.T) {
	cases := []struct {
		name string
		msg  ClientMessage
		exp  string
	}{
		{name: "step", msg: Step(), exp: "S"},
		{name: "reset", msg: Reset(), exp: "X"},
		{name: "emergency on", msg: Emergency(true), exp: "E1"},
		{name: "emergency off", msg: Emergency(false), exp: "E0"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			writes, ok := ControlBytes(c.msg)
			assert.True(t, ok)
			assert.Equal(t, c.exp, join(writes))
		})
	}
}
