package compartment

import "go.uber.org/zap"

// Clone creates a new compartment containing a copy of every table, memory,
// global, exception type, and instance in c, preserving ids (and, for
// mutable globals, the mutableGlobalIndex slot) exactly as spec §4.H
// requires: "a function compiled against the source compartment's memory
// layout must address identically-numbered objects in the clone." Foreigns
// and contexts are deliberately not cloned (step 5); functions need no
// cloning since they are not compartment-owned.
//
// Cloning acquires c's lock for reading for the whole operation; the
// destination compartment is not yet visible to any other goroutine, so it
// needs no lock of its own while being built.
func (c *Compartment) Clone(log *zap.Logger) *Compartment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dst := New(log)

	// globalDataAllocationMask and initialContextMutableGlobals must be
	// copied before any global is cloned, since cloneGlobal below relies
	// on dst's allocator already knowing which slots are taken.
	dst.globalDataAllocationMask = c.globalDataAllocationMask.clone()
	dst.initialContextMutableGlobals = c.initialContextMutableGlobals

	for _, id := range sortedKeys(c.tables) {
		dst.cloneTable(c.tables[id])
	}
	for _, id := range sortedKeys(c.memories) {
		dst.cloneMemory(c.memories[id])
	}
	for _, id := range sortedKeys(c.globals) {
		dst.cloneGlobal(c.globals[id])
	}
	for _, id := range sortedKeys(c.exceptionTypes) {
		dst.cloneExceptionType(c.exceptionTypes[id])
	}
	for _, id := range sortedKeys(c.instances) {
		dst.cloneInstance(c, c.instances[id])
	}

	dst.log.Debug("compartment cloned")
	return dst
}

func (dst *Compartment) cloneTable(src *Table) {
	src.resizeMu.RLock()
	elements := make([]TableElement, len(src.elements))
	copy(elements, src.elements)
	src.resizeMu.RUnlock()

	dst.tableIDs.allocAt(src.ID)
	dst.tables[src.ID] = &Table{ID: src.ID, Compartment: dst, elements: elements}
}

func (dst *Compartment) cloneMemory(src *Memory) {
	src.resizeMu.RLock()
	numPages, maxPages := src.numPages, src.maxPages
	src.resizeMu.RUnlock()

	dst.memoryIDs.allocAt(src.ID)
	m := &Memory{ID: src.ID, Compartment: dst, numPages: numPages, maxPages: maxPages}
	if numPages > 0 {
		if err := m.grow(numPages); err != nil {
			panic(err)
		}
		copy(m.Bytes(), src.Bytes())
	}
	dst.memories[src.ID] = m
}

func (dst *Compartment) cloneGlobal(src *Global) {
	dst.globalIDs.allocAt(src.ID)
	g := &Global{
		ID: src.ID, Compartment: dst, Mutable: src.Mutable,
		MutableGlobalIndex: src.MutableGlobalIndex, InitialValue: src.InitialValue,
	}
	dst.globals[src.ID] = g
}

func (dst *Compartment) cloneExceptionType(src *ExceptionType) {
	dst.exceptionIDs.allocAt(src.ID)
	paramTypes := make([]ValueType, len(src.ParamTypes))
	copy(paramTypes, src.ParamTypes)
	dst.exceptionTypes[src.ID] = &ExceptionType{ID: src.ID, Compartment: dst, ParamTypes: paramTypes}
}

// cloneInstance copies inst's bookkeeping, remapping its owned-object lists
// and exports from src to dst so they name the freshly-cloned objects
// (which, by construction, share inst's original ids).
func (dst *Compartment) cloneInstance(src *Compartment, inst *Instance) {
	dst.instanceIDs.allocAt(inst.ID)

	passiveData := make(map[uint32][]byte, len(inst.PassiveData))
	for k, v := range inst.PassiveData {
		cp := make([]byte, len(v))
		copy(cp, v)
		passiveData[k] = cp
	}
	exports := make(map[string]Export, len(inst.Exports))
	for k, v := range inst.Exports {
		exports[k] = v
	}

	dst.instances[inst.ID] = &Instance{
		ID:             inst.ID,
		Compartment:    dst,
		CompiledModule: inst.CompiledModule,
		OwnedMemories:  append([]int(nil), inst.OwnedMemories...),
		OwnedTables:    append([]int(nil), inst.OwnedTables...),
		OwnedGlobals:   append([]int(nil), inst.OwnedGlobals...),
		PassiveData:    passiveData,
		Exports:        exports,
	}
}

// sortedKeys returns m's keys in ascending order, so cloning walks every
// kind in id order per spec §4.H ("iterate in ascending id order within
// each kind").
func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort: these maps are small in every realistic compartment
	// and this avoids pulling in sort just for this.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
