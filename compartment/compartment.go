// Package compartment implements the compartment runtime model of
// SPEC_FULL.md §4.G-I: a reader-writer-locked collection of seven indexed
// object maps, a mutable-global slot allocator, clone-with-id-preservation,
// and cross-compartment containment queries. It generalizes the teacher's
// internal/wasm.Store, a single global Store per wazero.Runtime holding
// the same seven-ish object kinds, into a value the host can create many
// of and clone.
package compartment

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MaxMutableGlobals bounds the mutable-global slot allocator and the size
// of every Context's and Compartment's mutable-global arrays. The teacher
// has no analogous fixed cap (globals live in a plain Go slice); this
// package needs one because §4.G describes the allocator as a
// "fixed-size bitset," not a growable one.
const MaxMutableGlobals = 4096

// maxObjectsPerKind bounds each of the seven id maps, standing in for the
// teacher's maximumFunctionIndex/maximumFunctionTypes "2^27, but a field
// for testability" pattern, scaled down since this package's id maps are
// not meant to host millions of objects within a single test process.
const maxObjectsPerKind = 1 << 20

// Compartment owns every object reachable from the modules instantiated
// into it. Unlike the teacher's Store, it is safe for concurrent use: every
// mutation and lookup goes through mu, matching spec §5's "reader-writer
// mutex serialises access to the compartment's maps."
type Compartment struct {
	log *zap.Logger

	mu sync.RWMutex

	tables         map[int]*Table
	tableIDs       *idAllocator
	memories       map[int]*Memory
	memoryIDs      *idAllocator
	globals        map[int]*Global
	globalIDs      *idAllocator
	exceptionTypes map[int]*ExceptionType
	exceptionIDs   *idAllocator
	instances      map[int]*Instance
	instanceIDs    *idAllocator
	contexts       map[int]*Context
	contextIDs     *idAllocator
	foreigns       map[int]*Foreign
	foreignIDs     *idAllocator

	// globalDataAllocationMask tracks which mutableGlobalIndex slots are
	// in use, independent of which Global object claims each one; cloning
	// copies this verbatim ahead of cloning the globals themselves (spec
	// §4.H step 4).
	globalDataAllocationMask *idAllocator

	// initialContextMutableGlobals seeds every new Context's
	// MutableGlobals array (spec §4.G).
	initialContextMutableGlobals [MaxMutableGlobals]uint64
}

// New creates an empty compartment. It corresponds to createCompartment()
// in spec §6's observable interface.
func New(log *zap.Logger) *Compartment {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Compartment{
		log:                       log,
		tables:                    map[int]*Table{},
		tableIDs:                  newIDAllocator(maxObjectsPerKind),
		memories:                  map[int]*Memory{},
		memoryIDs:                 newIDAllocator(maxObjectsPerKind),
		globals:                   map[int]*Global{},
		globalIDs:                 newIDAllocator(maxObjectsPerKind),
		exceptionTypes:            map[int]*ExceptionType{},
		exceptionIDs:              newIDAllocator(maxObjectsPerKind),
		instances:                 map[int]*Instance{},
		instanceIDs:               newIDAllocator(maxObjectsPerKind),
		contexts:                  map[int]*Context{},
		contextIDs:                newIDAllocator(maxObjectsPerKind),
		foreigns:                  map[int]*Foreign{},
		foreignIDs:                newIDAllocator(maxObjectsPerKind),
		globalDataAllocationMask:  newIDAllocator(MaxMutableGlobals),
	}
	c.log.Debug("compartment created")
	return c
}

// AddMemory inserts m at the smallest free memory id and returns it.
func (c *Compartment) AddMemory(maxPages uint32) *Memory {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.memoryIDs.alloc()
	if !ok {
		panic("compartment: memory id space exhausted")
	}
	m := &Memory{ID: id, Compartment: c, maxPages: maxPages}
	c.memories[id] = m
	return m
}

// RemoveMemory frees m's id. It is a programmer error (spec §7) to remove
// an id that was never added, just as destroying a non-empty compartment
// is.
func (c *Compartment) RemoveMemory(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.memories[id]
	if !ok {
		panic("compartment: removing an unknown memory id")
	}
	if m.region != nil {
		if err := releaseVirtualMemory(m.region); err != nil {
			c.log.Warn("releasing memory reservation", zap.Int("memoryID", id), zap.Error(err))
		}
		m.region = nil
	}
	delete(c.memories, id)
	c.memoryIDs.free(id)
}

// AddTable inserts t at the smallest free table id.
func (c *Compartment) AddTable(capacity int) *Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.tableIDs.alloc()
	if !ok {
		panic("compartment: table id space exhausted")
	}
	t := &Table{ID: id, Compartment: c, elements: make([]TableElement, capacity)}
	c.tables[id] = t
	return t
}

func (c *Compartment) RemoveTable(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[id]; !ok {
		panic("compartment: removing an unknown table id")
	}
	delete(c.tables, id)
	c.tableIDs.free(id)
}

// AddGlobal inserts g at the smallest free global id; if mutable, it also
// allocates a mutable-global slot and seeds initialContextMutableGlobals
// with initialValue, per spec §4.G.
func (c *Compartment) AddGlobal(mutable bool, initialValue uint64) *Global {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.globalIDs.alloc()
	if !ok {
		panic("compartment: global id space exhausted")
	}
	g := &Global{ID: id, Compartment: c, Mutable: mutable, InitialValue: initialValue, MutableGlobalIndex: -1}
	if mutable {
		slot, ok := c.globalDataAllocationMask.alloc()
		if !ok {
			panic("compartment: mutable global slot space exhausted")
		}
		g.MutableGlobalIndex = slot
		c.initialContextMutableGlobals[slot] = initialValue
	}
	c.globals[id] = g
	return g
}

func (c *Compartment) RemoveGlobal(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.globals[id]
	if !ok {
		panic("compartment: removing an unknown global id")
	}
	if g.Mutable {
		c.globalDataAllocationMask.free(g.MutableGlobalIndex)
	}
	delete(c.globals, id)
	c.globalIDs.free(id)
}

func (c *Compartment) AddExceptionType(paramTypes []ValueType) *ExceptionType {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.exceptionIDs.alloc()
	if !ok {
		panic("compartment: exception type id space exhausted")
	}
	et := &ExceptionType{ID: id, Compartment: c, ParamTypes: paramTypes}
	c.exceptionTypes[id] = et
	return et
}

func (c *Compartment) RemoveExceptionType(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.exceptionTypes[id]; !ok {
		panic("compartment: removing an unknown exception type id")
	}
	delete(c.exceptionTypes, id)
	c.exceptionIDs.free(id)
}

func (c *Compartment) AddInstance(mod *CompiledModule) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.instanceIDs.alloc()
	if !ok {
		panic("compartment: instance id space exhausted")
	}
	inst := &Instance{
		ID: id, Compartment: c, CompiledModule: mod,
		PassiveData: map[uint32][]byte{}, Exports: map[string]Export{},
	}
	c.instances[id] = inst
	c.log.Debug("instance registered", zap.Int("instanceID", id), zap.String("module", mod.Name))
	return inst
}

func (c *Compartment) RemoveInstance(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[id]; !ok {
		panic("compartment: removing an unknown instance id")
	}
	delete(c.instances, id)
	c.instanceIDs.free(id)
}

// NewContext creates a fresh execution context seeded from
// initialContextMutableGlobals.
func (c *Compartment) NewContext() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.contextIDs.alloc()
	if !ok {
		panic("compartment: context id space exhausted")
	}
	ctx := &Context{ID: id, Compartment: c}
	ctx.MutableGlobals = c.initialContextMutableGlobals
	c.contexts[id] = ctx
	return ctx
}

func (c *Compartment) RemoveContext(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contexts[id]; !ok {
		panic("compartment: removing an unknown context id")
	}
	delete(c.contexts, id)
	c.contextIDs.free(id)
}

func (c *Compartment) AddForeign(value interface{}) *Foreign {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.foreignIDs.alloc()
	if !ok {
		panic("compartment: foreign id space exhausted")
	}
	f := &Foreign{ID: id, Compartment: c, Value: value}
	c.foreigns[id] = f
	return f
}

func (c *Compartment) RemoveForeign(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.foreigns[id]; !ok {
		panic("compartment: removing an unknown foreign id")
	}
	delete(c.foreigns, id)
	c.foreignIDs.free(id)
}

// Memory looks up a memory by id under the shared lock.
func (c *Compartment) Memory(id int) (*Memory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.memories[id]
	return m, ok
}

// Table looks up a table by id under the shared lock.
func (c *Compartment) Table(id int) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[id]
	return t, ok
}

// Global looks up a global by id under the shared lock.
func (c *Compartment) Global(id int) (*Global, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.globals[id]
	return g, ok
}

// Instance looks up an instance by id under the shared lock.
func (c *Compartment) Instance(id int) (*Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[id]
	return inst, ok
}

// Close asserts every one of the seven maps is empty, mirroring the
// original's per-kind destructor assertions (SPEC_FULL.md §2.3(c)): each
// kind is checked and reported individually rather than folded into one
// aggregate condition, so the first error names exactly which kind leaked.
func (c *Compartment) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	checks := []struct {
		name string
		n    int
	}{
		{"tables", len(c.tables)},
		{"memories", len(c.memories)},
		{"globals", len(c.globals)},
		{"exception types", len(c.exceptionTypes)},
		{"instances", len(c.instances)},
		{"contexts", len(c.contexts)},
		{"foreigns", len(c.foreigns)},
	}
	for _, chk := range checks {
		if chk.n != 0 {
			return fmt.Errorf("compartment: close: %d live %s remain", chk.n, chk.name)
		}
	}
	c.log.Debug("compartment closed")
	return nil
}
