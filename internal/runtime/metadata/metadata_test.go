package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestNewAndGet(t *testing.T) {
	md := New("tenant", "acme", "dangling")
	assert.Equal(t, "acme", md.Get("tenant"))
	assert.Len(t, md, 1)
	assert.Equal(t, "", Metadata(nil).Get("tenant"))
}

func TestCloneIsIndependent(t *testing.T) {
	md := New("a", "1")
	cloned := md.Clone()
	cloned["a"] = "2"
	assert.Equal(t, "1", md["a"])
	assert.Nil(t, Metadata(nil).Clone())
}

func TestWithDoesNotMutate(t *testing.T) {
	md := New("a", "1")
	next := md.With("b", "2")
	assert.Len(t, md, 1)
	assert.Equal(t, "2", next["b"])
}

func TestWatermillRoundTrip(t *testing.T) {
	wm := message.Metadata{"origin": "bus-1"}
	ToWatermill(New("tenant", "acme"), wm)

	assert.Equal(t, "acme", wm.Get(HeaderPrefix+"tenant"))
	assert.Equal(t, Metadata{"tenant": "acme"}, FromWatermill(wm))
	assert.Nil(t, FromWatermill(message.Metadata{"origin": "bus-1"}))
}
