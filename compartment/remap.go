package compartment

// Remap translates an object reference captured in one compartment into the
// corresponding object in another, by id and kind, per spec §4.I. A nil
// object remaps to nil. Functions remap to themselves: they are not
// compartment-owned, so there is nothing to translate.
func Remap(obj interface{}, dst *Compartment) interface{} {
	switch o := obj.(type) {
	case nil:
		return nil
	case *Function:
		return o
	case *Memory:
		return lookupRemap(dst, dst.memories, o.ID)
	case *Table:
		return lookupRemap(dst, dst.tables, o.ID)
	case *Global:
		return lookupRemap(dst, dst.globals, o.ID)
	case *ExceptionType:
		return lookupRemap(dst, dst.exceptionTypes, o.ID)
	case *Instance:
		return lookupRemap(dst, dst.instances, o.ID)
	case *Foreign:
		return lookupRemap(dst, dst.foreigns, o.ID)
	case *Context:
		return lookupRemap(dst, dst.contexts, o.ID)
	default:
		panic("compartment: remap of unrecognised object kind")
	}
}

// lookupRemap returns an untyped nil on a miss rather than V's zero value:
// a map[int]*Memory miss zero-valued to (*Memory)(nil) and returned as V
// would box into a non-nil interface{} at Remap's return, one concrete type
// away from the nil callers are meant to compare against.
func lookupRemap[V any](dst *Compartment, m map[int]V, id int) interface{} {
	dst.mu.RLock()
	defer dst.mu.RUnlock()
	v, ok := m[id]
	if !ok {
		return nil
	}
	return v
}

// IsInCompartment reports whether obj is a member of c, per spec §4.I.
// Every non-function kind is a member iff its recorded Compartment pointer
// is c. A Function with InstanceID == FunctionSentinelInstanceID belongs to
// every compartment. Any other Function belongs to c iff c currently owns
// the instance the function was compiled from, AND that instance's
// CompiledModule handle is identical to the one recorded on the function:
// the second check is what makes a function recognised by a clone of its
// original compartment (same instance id, same compiled-module handle) but
// not by an unrelated compartment that happens to reuse the same instance
// id for a different module.
func IsInCompartment(obj interface{}, c *Compartment) bool {
	fn, isFunction := obj.(*Function)
	if !isFunction {
		return compartmentOf(obj) == c
	}
	if fn.InstanceID == FunctionSentinelInstanceID {
		return true
	}
	c.mu.RLock()
	inst, ok := c.instances[fn.InstanceID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return inst.CompiledModule == fn.CompiledModule
}

func compartmentOf(obj interface{}) *Compartment {
	switch o := obj.(type) {
	case nil:
		return nil
	case *Memory:
		return o.Compartment
	case *Table:
		return o.Compartment
	case *Global:
		return o.Compartment
	case *ExceptionType:
		return o.Compartment
	case *Instance:
		return o.Compartment
	case *Foreign:
		return o.Compartment
	case *Context:
		return o.Compartment
	default:
		panic("compartment: isInCompartment of unrecognised object kind")
	}
}
