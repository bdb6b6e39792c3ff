package compartment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSmallestFreeIDAllocation(t *testing.T) {
	c := New(zap.NewNop())

	a := c.AddMemory(1)
	b := c.AddMemory(1)
	d := c.AddMemory(1)
	require.Equal(t, 0, a.ID)
	require.Equal(t, 1, b.ID)
	require.Equal(t, 2, d.ID)

	// Freeing the middle id and reinserting must reuse id 1, not append
	// at the end: the teacher's LIFO free list would instead hand back
	// whichever id was most recently freed (always true here, 1), so this
	// test alone does not distinguish the two policies; the next one does.
	c.RemoveMemory(b.ID)
	e := c.AddMemory(1)
	require.Equal(t, 1, e.ID)

	c.RemoveMemory(a.ID)
	c.RemoveMemory(d.ID)
	c.RemoveMemory(e.ID)
	require.NoError(t, c.Close())
}

func TestSmallestFreeIDAllocationDistinguishesFromLIFO(t *testing.T) {
	c := New(zap.NewNop())

	m0 := c.AddMemory(1) // id 0
	m1 := c.AddMemory(1) // id 1
	_ = c.AddMemory(1)   // id 2

	// Free id 0 first, then id 1: a LIFO free list would hand back id 1
	// (most recently freed) to the next allocation. Smallest-free-id
	// semantics must hand back id 0 instead.
	c.RemoveMemory(m0.ID)
	c.RemoveMemory(m1.ID)

	next := c.AddMemory(1)
	assert.Equal(t, 0, next.ID)
}

func TestCloneCompartmentPreservesMemoryContents(t *testing.T) {
	src := New(zap.NewNop())
	mem := src.AddMemory(16)
	_, ok := mem.Grow(2)
	require.True(t, ok)
	copy(mem.Bytes(), []byte("hello compartment"))

	dst := src.Clone(zap.NewNop())
	cloned, ok := dst.Memory(mem.ID)
	require.True(t, ok)
	assert.Equal(t, mem.ID, cloned.ID)
	assert.Equal(t, mem.Size(), cloned.Size())
	assert.Equal(t, mem.Bytes()[:17], cloned.Bytes()[:17])

	// Mutating the clone must not affect the source: they share no
	// backing array.
	cloned.Bytes()[0] = 'H'
	assert.NotEqual(t, mem.Bytes()[0], cloned.Bytes()[0])
}

func TestCloneCompartmentPreservesMutableGlobalSlot(t *testing.T) {
	src := New(zap.NewNop())
	g := src.AddGlobal(true, 42)
	require.GreaterOrEqual(t, g.MutableGlobalIndex, 0)

	dst := src.Clone(zap.NewNop())
	cloned, ok := dst.Global(g.ID)
	require.True(t, ok)
	assert.Equal(t, g.MutableGlobalIndex, cloned.MutableGlobalIndex)
	assert.Equal(t, g.InitialValue, cloned.InitialValue)

	// A fresh context in the clone must be seeded from the preserved slot.
	ctx := dst.NewContext()
	assert.Equal(t, uint64(42), ctx.MutableGlobals[g.MutableGlobalIndex])
}

func TestCloneCompartmentDoesNotCloneForeignsOrContexts(t *testing.T) {
	src := New(zap.NewNop())
	src.AddForeign("opaque host object")
	src.NewContext()

	dst := src.Clone(zap.NewNop())
	assert.True(t, dst.foreignIDs.isEmpty())
	assert.True(t, dst.contextIDs.isEmpty())
}

func TestRemapTranslatesObjectAcrossCompartments(t *testing.T) {
	src := New(zap.NewNop())
	mem := src.AddMemory(16)
	dst := src.Clone(zap.NewNop())

	remapped := Remap(mem, dst)
	cloned, ok := remapped.(*Memory)
	require.True(t, ok)
	assert.Equal(t, mem.ID, cloned.ID)
	assert.Same(t, dst, cloned.Compartment)
}

func TestRemapOfNilIsNil(t *testing.T) {
	dst := New(zap.NewNop())
	assert.Nil(t, Remap(nil, dst))
}

// TestRemapOfForeignObjectNotInCloneIsNil covers the lookup-miss path,
// distinct from TestRemapOfNilIsNil's nil-input path: a *Memory from an
// unrelated compartment has an ID that dst never cloned, so the map lookup
// behind Remap misses and must surface as a true nil, not a non-nil
// interface{} boxing a typed nil *Memory.
func TestRemapOfForeignObjectNotInCloneIsNil(t *testing.T) {
	other := New(zap.NewNop())
	foreignMem := other.AddMemory(16)
	dst := New(zap.NewNop())

	assert.Nil(t, Remap(foreignMem, dst))
}

func TestIsInCompartmentForOrdinaryObject(t *testing.T) {
	a := New(zap.NewNop())
	b := New(zap.NewNop())
	mem := a.AddMemory(16)

	assert.True(t, IsInCompartment(mem, a))
	assert.False(t, IsInCompartment(mem, b))
}

func TestIsInCompartmentSentinelFunctionBelongsEverywhere(t *testing.T) {
	a := New(zap.NewNop())
	b := New(zap.NewNop())
	fn := &Function{InstanceID: FunctionSentinelInstanceID}

	assert.True(t, IsInCompartment(fn, a))
	assert.True(t, IsInCompartment(fn, b))
}

// TestIsInCompartmentRecognisesClonedInstance is the cross-compartment
// recognition scenario: a function compiled from an instance in the source
// compartment must also be recognised as a member of a clone of that
// compartment, because the clone preserves both the instance id and the
// CompiledModule handle. It must NOT be recognised by an unrelated
// compartment that happens to reuse the same instance id for a different
// module.
func TestIsInCompartmentRecognisesClonedInstance(t *testing.T) {
	mod := &CompiledModule{Name: "guest"}

	src := New(zap.NewNop())
	inst := src.AddInstance(mod)
	fn := &Function{InstanceID: inst.ID, CompiledModule: mod}

	require.True(t, IsInCompartment(fn, src))

	clone := src.Clone(zap.NewNop())
	assert.True(t, IsInCompartment(fn, clone))

	unrelated := New(zap.NewNop())
	otherMod := &CompiledModule{Name: "other-guest"}
	unrelated.AddInstance(otherMod) // reuses instance id 0 for a different module
	assert.False(t, IsInCompartment(fn, unrelated))
}

func TestCloseRejectsNonEmptyCompartment(t *testing.T) {
	c := New(zap.NewNop())
	c.AddMemory(1)
	err := c.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memories")
}

func TestRemoveUnknownIDPanics(t *testing.T) {
	c := New(zap.NewNop())
	assert.Panics(t, func() { c.RemoveMemory(7) })
}
