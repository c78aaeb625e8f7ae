package mesh

import (
	"math"
	mathrand "math/rand"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/spatial/r2"
)

// force-directed layout
// Each tick applies, in order, link springs, many-body repulsion and centering, then integrates
// velocities with a semi-implicit euler step. Forces are scaled by the temperature `alpha`, which
// decays geometrically toward `AlphaTarget`. Below `AlphaMin` the state stops until reheated.
//
// the state is plain data. Rendering reads positions from it and drags write pins into it.

type LayoutSettings struct {
	ChargeStrength    float64 `yaml:"charge_strength"`
	ChargeDistanceMin float64 `yaml:"charge_distance_min"`
	// zero means unbounded
	ChargeDistanceMax float64 `yaml:"charge_distance_max"`

	LinkDistance   float64 `yaml:"link_distance"`
	LinkIterations int     `yaml:"link_iterations"`
	// 0 gives every link the same pull. 1 scales the pull linearly with similarity.
	SimilarityWeight float64 `yaml:"similarity_weight"`

	CenterStrength float64 `yaml:"center_strength"`

	Alpha       float64 `yaml:"alpha"`
	ReseedAlpha float64 `yaml:"reseed_alpha"`
	AlphaMin    float64 `yaml:"alpha_min"`
	AlphaDecay  float64 `yaml:"alpha_decay"`
	AlphaTarget float64 `yaml:"alpha_target"`
	// fraction of velocity lost per tick
	VelocityDecay float64 `yaml:"velocity_decay"`
	// zero means unbounded
	MaxSpeed float64 `yaml:"max_speed"`

	DragAlphaTarget float64 `yaml:"drag_alpha_target"`

	InitialRadius float64 `yaml:"initial_radius"`
	Seed          int64   `yaml:"seed"`
}

func DefaultLayoutSettings() *LayoutSettings {
	alphaMin := 0.001
	return &LayoutSettings{
		ChargeStrength:    -220,
		ChargeDistanceMin: 1,
		ChargeDistanceMax: 0,
		LinkDistance:      120,
		LinkIterations:    1,
		SimilarityWeight:  0,
		CenterStrength:    1,
		Alpha:             1,
		ReseedAlpha:       1,
		AlphaMin:          alphaMin,
		// reaches `alphaMin` from 1 in 300 ticks
		AlphaDecay:      1 - math.Pow(alphaMin, 1.0/300),
		AlphaTarget:     0,
		VelocityDecay:   0.4,
		MaxSpeed:        200,
		DragAlphaTarget: 0.3,
		InitialRadius:   10,
		Seed:            1,
	}
}

type SimNode struct {
	Node

	Pos r2.Vec
	Vel r2.Vec
	// when set, the integrator is bypassed and `Pos` is forced to the pin each tick
	Pin *r2.Vec
}

func (self *SimNode) Pinned() bool {
	return self.Pin != nil
}

type simLink struct {
	Link
	source   int
	target   int
	strength float64
	bias     float64
}

type SimState struct {
	Nodes []*SimNode
	// resolved links, in input order
	Links []Link

	Alpha       float64
	AlphaTarget float64
	Stopped     bool
	Center      r2.Vec
	ActiveDrags int
	TickCount   uint64

	links []simLink
	index map[string]int
	rand  *mathrand.Rand
	// drags holding each pinned node, least recent first
	pinHolders map[string][]*DragController
}

func (self *SimState) Node(id string) (*SimNode, bool) {
	i, ok := self.index[id]
	if !ok {
		return nil, false
	}
	return self.Nodes[i], true
}

// moves `drag` to the most recent holder of the node
func (self *SimState) addPinHolder(nodeId string, drag *DragController) {
	holders := slices.DeleteFunc(slices.Clone(self.pinHolders[nodeId]), func(h *DragController) bool {
		return h == drag
	})
	if self.pinHolders == nil {
		self.pinHolders = map[string][]*DragController{}
	}
	self.pinHolders[nodeId] = append(holders, drag)
}

// returns the most recent remaining holder, or nil
func (self *SimState) removePinHolder(nodeId string, drag *DragController) *DragController {
	holders := slices.DeleteFunc(slices.Clone(self.pinHolders[nodeId]), func(h *DragController) bool {
		return h == drag
	})
	if len(holders) == 0 {
		delete(self.pinHolders, nodeId)
		return nil
	}
	self.pinHolders[nodeId] = holders
	return holders[len(holders)-1]
}

func (self *SimState) Positions() map[string]r2.Vec {
	positions := make(map[string]r2.Vec, len(self.Nodes))
	for _, node := range self.Nodes {
		positions[node.Id] = node.Pos
	}
	return positions
}

// endpoints of each resolved link
func (self *SimState) LinkEndpoints() [][2]*SimNode {
	endpoints := make([][2]*SimNode, len(self.links))
	for i, link := range self.links {
		endpoints[i] = [2]*SimNode{self.Nodes[link.source], self.Nodes[link.target]}
	}
	return endpoints
}

type Simulator struct {
	settings *LayoutSettings
}

func NewSimulatorWithDefaults() *Simulator {
	return NewSimulator(DefaultLayoutSettings())
}

func NewSimulator(settings *LayoutSettings) *Simulator {
	return &Simulator{
		settings: settings,
	}
}

func (self *Simulator) Settings() *LayoutSettings {
	return self.settings
}

// builds a state for the node and link set
// Nodes present in `prior` keep their position, velocity and pin (warm start). New nodes are
// placed on a phyllotaxis spiral around the center. Links with an unknown endpoint, and self
// links, are left out until they resolve.
func (self *Simulator) Seed(nodes []Node, links []Link, prior *SimState) *SimState {
	state := &SimState{
		Nodes:       make([]*SimNode, 0, len(nodes)),
		Links:       []Link{},
		Alpha:       self.settings.Alpha,
		AlphaTarget: self.settings.AlphaTarget,
		index:       map[string]int{},
		pinHolders:  map[string][]*DragController{},
	}
	if prior != nil {
		state.Alpha = math.Max(prior.Alpha, self.settings.ReseedAlpha)
		state.AlphaTarget = prior.AlphaTarget
		state.Center = prior.Center
		state.ActiveDrags = prior.ActiveDrags
		state.TickCount = prior.TickCount
		state.rand = prior.rand
	}
	if state.rand == nil {
		state.rand = mathrand.New(mathrand.NewSource(self.settings.Seed))
	}

	initialAngle := math.Pi * (3 - math.Sqrt(5))
	for _, node := range nodes {
		if _, ok := state.index[node.Id]; ok {
			continue
		}
		i := len(state.Nodes)
		simNode := &SimNode{Node: node}
		var priorNode *SimNode
		if prior != nil {
			priorNode, _ = prior.Node(node.Id)
		}
		if priorNode != nil {
			simNode.Pos = priorNode.Pos
			simNode.Vel = priorNode.Vel
			if priorNode.Pin != nil {
				pin := *priorNode.Pin
				simNode.Pin = &pin
			}
			if holders, ok := prior.pinHolders[node.Id]; ok {
				state.pinHolders[node.Id] = holders
			}
		} else {
			radius := self.settings.InitialRadius * math.Sqrt(0.5+float64(i))
			angle := float64(i) * initialAngle
			simNode.Pos = r2.Add(state.Center, r2.Vec{
				X: radius * math.Cos(angle),
				Y: radius * math.Sin(angle),
			})
		}
		state.index[node.Id] = i
		state.Nodes = append(state.Nodes, simNode)
	}

	counts := make([]int, len(state.Nodes))
	for _, link := range links {
		source, sourceOk := state.index[link.Source]
		target, targetOk := state.index[link.Target]
		if !sourceOk || !targetOk || source == target {
			continue
		}
		counts[source] += 1
		counts[target] += 1
		state.links = append(state.links, simLink{
			Link:   link,
			source: source,
			target: target,
		})
		state.Links = append(state.Links, link)
	}
	for i := range state.links {
		link := &state.links[i]
		similarityScale := 1 - self.settings.SimilarityWeight + self.settings.SimilarityWeight*link.Similarity
		link.strength = similarityScale / float64(min(counts[link.source], counts[link.target]))
		link.bias = float64(counts[link.source]) / float64(counts[link.source]+counts[link.target])
	}

	return state
}

// sets the centering point to the middle of the viewport
func (self *Simulator) SetViewport(state *SimState, width float64, height float64) {
	state.Center = r2.Vec{X: width / 2, Y: height / 2}
}

// sets the cooling target and restarts a stopped state
func (self *Simulator) Reheat(state *SimState, level float64) {
	state.AlphaTarget = level
	state.Stopped = false
}

// advances the state one step of size `dt`; a stopped state is returned unchanged
func (self *Simulator) Tick(state *SimState, dt float64) *SimState {
	if state.Stopped {
		return state
	}
	if dt <= 0 {
		dt = 1
	}

	state.Alpha += (state.AlphaTarget - state.Alpha) * self.settings.AlphaDecay
	k := state.Alpha * dt

	for range self.settings.LinkIterations {
		self.applyLinks(state, k)
	}
	self.applyCharge(state, k)
	self.applyCenter(state)
	self.integrate(state, dt)

	state.TickCount += 1
	if state.Alpha < self.settings.AlphaMin {
		state.Stopped = true
	}
	return state
}

func (self *Simulator) jiggle(state *SimState) float64 {
	return (state.rand.Float64() - 0.5) * 1e-6
}

// springs pull endpoints toward `LinkDistance`, evaluated at the velocity-predicted positions
func (self *Simulator) applyLinks(state *SimState, k float64) {
	for _, link := range state.links {
		source := state.Nodes[link.source]
		target := state.Nodes[link.target]
		d := r2.Sub(r2.Add(target.Pos, target.Vel), r2.Add(source.Pos, source.Vel))
		if d.X == 0 {
			d.X = self.jiggle(state)
		}
		if d.Y == 0 {
			d.Y = self.jiggle(state)
		}
		l := r2.Norm(d)
		l = (l - self.settings.LinkDistance) / l * k * link.strength
		d = r2.Scale(l, d)
		target.Vel = r2.Sub(target.Vel, r2.Scale(link.bias, d))
		source.Vel = r2.Add(source.Vel, r2.Scale(1-link.bias, d))
	}
}

// exact pairwise many-body force, `strength / d²` along the displacement
func (self *Simulator) applyCharge(state *SimState, k float64) {
	distanceMin2 := self.settings.ChargeDistanceMin * self.settings.ChargeDistanceMin
	distanceMax2 := self.settings.ChargeDistanceMax * self.settings.ChargeDistanceMax
	strength := self.settings.ChargeStrength

	for i, node := range state.Nodes {
		for j, other := range state.Nodes {
			if i == j {
				continue
			}
			d := r2.Sub(other.Pos, node.Pos)
			l := r2.Norm2(d)
			if 0 < distanceMax2 && distanceMax2 <= l {
				continue
			}
			if d.X == 0 {
				d.X = self.jiggle(state)
				l += d.X * d.X
			}
			if d.Y == 0 {
				d.Y = self.jiggle(state)
				l += d.Y * d.Y
			}
			if l < distanceMin2 {
				l = math.Sqrt(distanceMin2 * l)
			}
			node.Vel = r2.Add(node.Vel, r2.Scale(strength*k/l, d))
		}
	}
}

// translates every node so the centroid moves toward the center
func (self *Simulator) applyCenter(state *SimState) {
	n := len(state.Nodes)
	if n == 0 || self.settings.CenterStrength == 0 {
		return
	}
	var sum r2.Vec
	for _, node := range state.Nodes {
		sum = r2.Add(sum, node.Pos)
	}
	shift := r2.Scale(self.settings.CenterStrength, r2.Sub(r2.Scale(1/float64(n), sum), state.Center))
	for _, node := range state.Nodes {
		node.Pos = r2.Sub(node.Pos, shift)
	}
}

func (self *Simulator) integrate(state *SimState, dt float64) {
	retain := math.Pow(1-self.settings.VelocityDecay, dt)
	for _, node := range state.Nodes {
		if node.Pin != nil {
			node.Pos = *node.Pin
			node.Vel = r2.Vec{}
			continue
		}
		node.Vel = r2.Scale(retain, node.Vel)
		if 0 < self.settings.MaxSpeed {
			if speed := r2.Norm(node.Vel); self.settings.MaxSpeed < speed {
				node.Vel = r2.Scale(self.settings.MaxSpeed/speed, node.Vel)
			}
		}
		node.Pos = r2.Add(node.Pos, r2.Scale(dt, node.Vel))
		if !finite(node.Pos) || !finite(node.Vel) {
			node.Pos = state.Center
			node.Vel = r2.Vec{}
		}
	}
}

func finite(v r2.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) && !math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}
