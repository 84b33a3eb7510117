package talloc

// Node is an intrusive, circular, doubly linked list node. Free blocks
// store one at their base, which is why blocks can never be smaller than
// two pointers. The zero value is not usable; call initSelf first.
//
// Node performs no validation. The allocator is responsible for the
// topological correctness of every splice.
type Node struct {
	next *Node
	prev *Node
}

// initSelf turns n into a singleton ring. A sentinel in this state
// describes an empty list.
func (n *Node) initSelf() {
	n.next = n
	n.prev = n
}

// insert splices n between prev and next. prev and next must be adjacent
// members of a valid ring.
func (n *Node) insert(prev, next *Node) {
	n.prev = prev
	n.next = next
	prev.next = n
	next.prev = n
}

// remove unlinks n from its ring. n's own links are left dangling; the
// caller immediately reuses or discards the memory.
func (n *Node) remove() {
	n.prev.next = n.next
	n.next.prev = n.prev
}

// takeOver makes n replace old as a list head, adopting old's neighbours.
// Used when sentinel storage relocates; old must not be used afterwards.
func (n *Node) takeOver(old *Node) {
	if old.next == old {
		n.initSelf()
		return
	}

	n.next = old.next
	n.prev = old.prev
	old.next.prev = n
	old.prev.next = n
}
