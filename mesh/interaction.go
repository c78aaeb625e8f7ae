package mesh

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

var ErrUnknownNode = errors.New("Unknown node.")
var ErrNotDragging = errors.New("Not dragging.")

type DragPhase int

const (
	DragPhaseIdle DragPhase = iota
	DragPhaseDragging
)

// one pointer dragging one node
// Pins are looked up by node id on each event, so a drag survives a reseed of the state.
// A drag that starts while the cooling target is below the drag level reheats the simulation so
// the rest of the graph keeps responding. The last drag to end restores the cooling target.
//
// several pointers may hold the same node. The node follows the most recent move, and stays
// pinned at the position of the remaining holders until the last one lets go.
type DragController struct {
	simulator *Simulator
	nodeId    string
	phase     DragPhase
	// last position this pointer pinned the node to
	pin r2.Vec
}

func NewDragController(simulator *Simulator, nodeId string) *DragController {
	return &DragController{
		simulator: simulator,
		nodeId:    nodeId,
		phase:     DragPhaseIdle,
	}
}

func (self *DragController) NodeId() string {
	return self.nodeId
}

func (self *DragController) Phase() DragPhase {
	return self.phase
}

// pins the node where it is
func (self *DragController) DragStart(state *SimState) error {
	if self.phase == DragPhaseDragging {
		return nil
	}
	node, ok := state.Node(self.nodeId)
	if !ok {
		return fmt.Errorf("%w (%s)", ErrUnknownNode, self.nodeId)
	}
	self.pin = node.Pos
	if node.Pin != nil {
		// already held by another pointer
		self.pin = *node.Pin
	}
	pin := self.pin
	node.Pin = &pin
	state.addPinHolder(self.nodeId, self)
	if state.ActiveDrags == 0 || state.AlphaTarget < self.simulator.settings.DragAlphaTarget {
		self.simulator.Reheat(state, self.simulator.settings.DragAlphaTarget)
	}
	state.ActiveDrags += 1
	self.phase = DragPhaseDragging
	return nil
}

// moves the pin to the pointer, no smoothing
func (self *DragController) DragMove(state *SimState, pos r2.Vec) error {
	if self.phase != DragPhaseDragging {
		return ErrNotDragging
	}
	node, ok := state.Node(self.nodeId)
	if !ok {
		return fmt.Errorf("%w (%s)", ErrUnknownNode, self.nodeId)
	}
	self.pin = pos
	pin := pos
	node.Pin = &pin
	state.addPinHolder(self.nodeId, self)
	return nil
}

// releases the pin, or hands it back to the most recent remaining holder
func (self *DragController) DragEnd(state *SimState) {
	if self.phase != DragPhaseDragging {
		return
	}
	self.phase = DragPhaseIdle
	holder := state.removePinHolder(self.nodeId, self)
	if node, ok := state.Node(self.nodeId); ok {
		if holder != nil {
			pin := holder.pin
			node.Pin = &pin
		} else {
			node.Pin = nil
		}
	}
	if 0 < state.ActiveDrags {
		state.ActiveDrags -= 1
	}
	if state.ActiveDrags == 0 {
		state.AlphaTarget = self.simulator.settings.AlphaTarget
	}
}
