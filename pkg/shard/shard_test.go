package shard

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestOf_StableAndInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := uuid.New()
		s := Of(id)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, Count)
		assert.Equal(t, s, Of(id))
	}
}

func TestOfString(t *testing.T) {
	assert.Equal(t, 0, OfString(""))
	assert.Equal(t, OfString("01HZX"), OfString("01HZX"))
	assert.Less(t, OfString("some-connection"), Count)
}
