package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWaitQueue_OrderAndRemoval(t *testing.T) {
	q := &WaitQueue{}
	a, b, c := newReq("a", 0, 1, 1), newReq("b", 1, 1, 1), newReq("c", 2, 1, 1)
	q.Enqueue(a)
	q.Enqueue(b)
	q.PrependFront(c)
	assert.Equal(t, "[c a b]", q.String())
	assert.Equal(t, c, q.Peek())

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, []string{"c", "b"}, ids(q.Items()))

	q.RemoveAll([]*Request{c})
	assert.Equal(t, 1, q.Len())
}

func TestWaitQueue_NilPanics(t *testing.T) {
	q := &WaitQueue{}
	assert.Panics(t, func() { q.Enqueue(nil) })
	assert.Panics(t, func() { q.PrependFront(nil) })
	assert.Nil(t, q.Peek())
}
