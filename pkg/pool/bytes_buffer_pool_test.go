package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesBufferGetIsEmpty(t *testing.T) {
	t.Parallel()
	p := NewBytesBuffer(1024)
	b := p.Get()
	assert.Zero(t, b.Len())
	assert.GreaterOrEqual(t, b.Cap(), 1024)

	b.WriteString("stale")
	p.Put(b)
	assert.Zero(t, p.Get().Len())
}
