package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewIsTimeOrdered(t *testing.T) {
	assert := assert.New(t)

	a := New()
	time.Sleep(2 * time.Millisecond)
	b := New()

	assert.True(a.Before(b))
	assert.False(b.Before(a))
}

func TestNewBreaksTiesWithinSameMillisecond(t *testing.T) {
	assert := assert.New(t)

	ids := make([]ID, 0, 64)
	for i := 0; i < 64; i++ {
		ids = append(ids, New())
	}

	for i := 1; i < len(ids); i++ {
		assert.True(ids[i-1].Before(ids[i]), "id %d should sort before id %d", i-1, i)
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	assert := assert.New(t)

	id := New()
	encoded := id.String()

	decoded, err := Parse(encoded)
	assert.Nil(err)
	assert.Equal(id, decoded)
}

func TestParseRejectsWrongLength(t *testing.T) {
	assert := assert.New(t)

	_, err := Parse("not-a-valid-id")
	assert.NotNil(err)
}
