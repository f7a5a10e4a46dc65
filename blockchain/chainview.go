// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

// approxNodesPerWeek is an approximation of the number of new blocks there are
// in a week on average.
const approxNodesPerWeek = 6 * 24 * 7

// chainView provides a flat view of a specific branch of the header chain from
// its tip back to the genesis block and provides various convenience functions
// for comparing chains.
//
// For example, assume a header chain with a side chain as depicted below:
//
//	genesis -> 1 -> 2 -> 3 -> 4  -> 5 ->  6  -> 7  -> 8
//	                      \-> 4a -> 5a -> 6a
//
// The chain view for the branch ending in 6a consists of:
//
//	genesis -> 1 -> 2 -> 3 -> 4a -> 5a -> 6a
//
// The view holds arena slots and does no locking of its own.
type chainView struct {
	index *nodeIndex
	slots []int32
}

// newChainView returns a new chain view for the given tip slot.
func newChainView(index *nodeIndex, tip int32) *chainView {
	c := &chainView{index: index}
	c.setTip(tip)
	return c
}

// genesis returns the slot of the genesis block for the chain view.
func (c *chainView) genesis() int32 {
	if len(c.slots) == 0 {
		return noSlot
	}

	return c.slots[0]
}

// tip returns the slot of the current tip block node for the chain view.
func (c *chainView) tip() int32 {
	if len(c.slots) == 0 {
		return noSlot
	}

	return c.slots[len(c.slots)-1]
}

// setTip sets the chain view to use the provided slot as the current tip and
// ensures the view is consistent by populating it with the ancestors of the
// node as needed.  Further, any existing slots that are no longer ancestors
// of the new tip are overwritten while walking back from the tip, which stops
// as soon as the view and the new branch agree.
func (c *chainView) setTip(slot int32) {
	if slot == noSlot {
		c.slots = c.slots[:0]
		return
	}

	// Create or resize the slice that will hold the slots as needed.  When
	// grown, allocate room for a week of extra nodes.
	needed := c.index.node(slot).height + 1
	if int32(cap(c.slots)) < needed {
		slots := make([]int32, needed, needed+approxNodesPerWeek)
		copy(slots, c.slots)
		for i := len(c.slots); i < len(slots); i++ {
			slots[i] = noSlot
		}
		c.slots = slots
	} else {
		prevLen := int32(len(c.slots))
		c.slots = c.slots[0:needed]
		for i := prevLen; i < needed; i++ {
			c.slots[i] = noSlot
		}
	}

	for slot != noSlot {
		node := c.index.node(slot)
		if c.slots[node.height] == slot {
			break
		}
		c.slots[node.height] = slot
		slot = node.parent
	}
}

// height returns the height of the tip of the chain view.  It will return -1
// if there is no tip (which only happens if the chain view has not been
// initialized).
func (c *chainView) height() int32 {
	return int32(len(c.slots) - 1)
}

// nodeByHeight returns the slot at the specified height.  noSlot will be
// returned if the height does not exist.
func (c *chainView) nodeByHeight(height int32) int32 {
	if height < 0 || height >= int32(len(c.slots)) {
		return noSlot
	}

	return c.slots[height]
}

// contains returns whether or not the chain view contains the passed slot.
func (c *chainView) contains(slot int32) bool {
	if slot == noSlot {
		return false
	}
	return c.nodeByHeight(c.index.node(slot).height) == slot
}

// next returns the successor to the provided node for the chain view.  It will
// return noSlot if there is no successor or the provided node is not part of
// the view.
func (c *chainView) next(slot int32) int32 {
	if !c.contains(slot) {
		return noSlot
	}

	return c.nodeByHeight(c.index.node(slot).height + 1)
}

// findFork returns the final common block between the provided node and the
// chain view.  It will return noSlot if there is no common block.
//
// For example, assume a header chain with a side chain as depicted below:
//
//	genesis -> 1 -> 2 -> ... -> 5 -> 6  -> 7  -> 8
//	                             \-> 6a -> 7a
//
// Further, assume the view is for the longer chain depicted above.  That is to
// say it consists of:
//
//	genesis -> 1 -> 2 -> ... -> 5 -> 6 -> 7 -> 8
//
// Invoking this function with block node 7a would return block node 5 while
// invoking it with block node 7 would return itself since it is already part
// of the branch formed by the view.
func (c *chainView) findFork(slot int32) int32 {
	if slot == noSlot {
		return noSlot
	}

	// Walk the other chain backwards as far as the view height, then keep
	// going until a node that is also in the view is found.
	chainHeight := c.height()
	if c.index.node(slot).height > chainHeight {
		slot = c.index.ancestor(slot, chainHeight)
	}
	for slot != noSlot && !c.contains(slot) {
		slot = c.index.node(slot).parent
	}

	return slot
}
