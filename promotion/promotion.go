// Package promotion provides the PromotionManager interface the scavenge
// engine pushes found references into, plus a default in-memory
// implementation so the engine can be exercised end to end. Everything past
// a push — copying, forwarding, draining into the next generation — is
// opaque to the scavenge engine and is the caller's concern; this package
// only records what was pushed.
package promotion

import (
	"github.com/outofforest/mass"
	"github.com/samber/lo"

	"github.com/outofforest/cardscavenge/heap"
)

// Manager is the interface the scavenge engine pushes discovered references
// into. Each stripe worker owns exactly one Manager; it is never shared.
type Manager interface {
	// PushContents enqueues every reference slot of obj.
	PushContents(obj heap.Object)
	// PushObjArrayContents enqueues the reference slots of arr that fall in
	// [lo, hi).
	PushObjArrayContents(arr heap.Object, lo, hi heap.Address)
	// DrainStacksCondDepth is an advisory opportunity to drain queued work;
	// implementations may ignore it freely.
	DrainStacksCondDepth()
}

// TaskKind distinguishes a whole-object push from an array-slice push.
type TaskKind uint8

const (
	// TaskObject pushes every reference slot of an object.
	TaskObject TaskKind = iota
	// TaskArraySlice pushes the reference slots of an array that fall in a
	// sub-range.
	TaskArraySlice
)

// Task is a single unit of pushed work. Tasks are pooled via mass.Mass, the
// way the teacher pools *TransactionRequest in pipeline.go.
type Task struct {
	Kind   TaskKind
	Obj    heap.Object
	Lo, Hi heap.Address
}

// DefaultDrainDepth is the stack depth at which DrainStacksCondDepth
// actually drains, absent an explicit Config.
const DefaultDrainDepth = 64

// Config configures a DefaultManager.
type Config struct {
	// DrainDepth is the stack size at which DrainStacksCondDepth drains.
	DrainDepth int
	// OnSlot, if set, is invoked with the address of every reference slot
	// drained, in drain order: tasks last-pushed first, slots within a task in
	// ascending order. Tests use this to record what was visited and
	// verify the no-duplicate/full-coverage properties of spec.md §8.
	OnSlot func(slotAddr heap.Address)
}

// NewManager returns a Manager backed by a pooled LIFO task stack.
func NewManager(config Config) *DefaultManager {
	if config.DrainDepth <= 0 {
		config.DrainDepth = DefaultDrainDepth
	}
	return &DefaultManager{
		config: config,
		pool:   mass.New[Task](1024),
	}
}

// DefaultManager is the shipped Manager implementation: a per-worker pooled
// stack of Tasks, drained cooperatively rather than after every push.
type DefaultManager struct {
	config Config
	pool   *mass.Mass[Task]
	stack  []*Task
}

var _ Manager = (*DefaultManager)(nil)

// PushContents implements Manager.
func (m *DefaultManager) PushContents(obj heap.Object) {
	t := m.pool.New()
	*t = Task{Kind: TaskObject, Obj: obj}
	m.stack = append(m.stack, t)
}

// PushObjArrayContents implements Manager.
func (m *DefaultManager) PushObjArrayContents(arr heap.Object, lo, hi heap.Address) {
	t := m.pool.New()
	*t = Task{Kind: TaskArraySlice, Obj: arr, Lo: lo, Hi: hi}
	m.stack = append(m.stack, t)
}

// DrainStacksCondDepth implements Manager: it only drains once the stack has
// reached config.DrainDepth, mirroring the source's cooperative hint
// rather than forcing a drain after every object.
func (m *DefaultManager) DrainStacksCondDepth() {
	if len(m.stack) < m.config.DrainDepth {
		return
	}
	m.Drain()
}

// Drain unconditionally drains every queued task.
func (m *DefaultManager) Drain() {
	for len(m.stack) > 0 {
		t := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]
		m.visit(t)
	}
}

func (m *DefaultManager) visit(t *Task) {
	switch t.Kind {
	case TaskObject:
		if m.config.OnSlot != nil {
			heap.IterateRefs(t.Obj, m.config.OnSlot)
		}
	case TaskArraySlice:
		if m.config.OnSlot == nil {
			return
		}
		slots := lo.Filter(lo.Range(len(t.Obj.Refs)), func(i int, _ int) bool {
			slotAddr := t.Obj.RefAddr(i)
			return slotAddr >= t.Lo && slotAddr < t.Hi
		})
		for _, i := range slots {
			m.config.OnSlot(t.Obj.RefAddr(i))
		}
	}
}
