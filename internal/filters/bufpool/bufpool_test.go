package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	p := New()
	buf := p.Get()
	assert.Equal(t, 0, buf.Len())
	p.Put(buf)
}

func TestPutResetsForReuse(t *testing.T) {
	p := New()
	buf := p.Get()
	buf.WriteString("hello")
	p.Put(buf)

	again := p.Get()
	assert.Equal(t, 0, again.Len())
}
