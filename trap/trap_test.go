package trap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMisalignedTrapFormatsAddressAndMemory(t *testing.T) {
	tr := Misaligned(0x1008, 3)
	assert.Equal(t, MisalignedAtomic, tr.Kind)
	assert.Contains(t, tr.Error(), "0x1008")
	assert.Contains(t, tr.Error(), "memory=3")
}

func TestNewTrapCarriesDetail(t *testing.T) {
	tr := New(InvalidArgument, "segment 2 dropped")
	assert.Contains(t, tr.Error(), "segment 2 dropped")
	assert.Contains(t, tr.Error(), InvalidArgument.String())
}

func TestRaisePanicsWithTheTrapValue(t *testing.T) {
	tr := New(StackOverflow, "")
	defer func() {
		r := recover()
		got, ok := r.(*Trap)
		if !ok {
			t.Fatalf("recovered value is not *Trap: %#v", r)
		}
		assert.Same(t, tr, got)
	}()
	Raise(tr)
}
