package mesh

import (
	"fmt"

	"github.com/tidwall/btree"
)

// grow-only merge of graph updates
// Nodes are keyed by id and links by their unordered endpoint pair. The first copy observed wins
// and later copies are discarded, so the merge is a set union: applying updates in any order, any
// number of times, converges to the same graph.
//
// a link may arrive before one of its endpoints when updates are delivered out of order.
// It is kept, and it resolves when the endpoint arrives.
type GraphAggregator struct {
	metrics *Metrics

	nodes *btree.Map[string, Node]
	links *btree.Map[string, Link]

	// increments on every structural change
	version uint64
}

func NewGraphAggregatorWithDefaults() *GraphAggregator {
	return NewGraphAggregator(NewNoopMetrics())
}

func NewGraphAggregator(metrics *Metrics) *GraphAggregator {
	return &GraphAggregator{
		metrics: metrics,
		nodes:   btree.NewMap[string, Node](0),
		links:   btree.NewMap[string, Link](0),
	}
}

// unordered pair key, unambiguous for any ids
func LinkKey(source string, target string) string {
	if target < source {
		source, target = target, source
	}
	return fmt.Sprintf("%d:%s|%s", len(source), source, target)
}

// returns true if the update added a node or a link
func (self *GraphAggregator) Append(update *UpdatePayload) bool {
	if update == nil {
		return false
	}

	changed := false

	if _, ok := self.nodes.Get(update.Node.Id); ok {
		self.metrics.DuplicatesNoop.Inc()
	} else {
		self.nodes.Set(update.Node.Id, update.Node)
		self.metrics.NodesMerged.Inc()
		changed = true
	}

	for _, link := range update.Links {
		key := LinkKey(link.Source, link.Target)
		if _, ok := self.links.Get(key); ok {
			self.metrics.DuplicatesNoop.Inc()
			continue
		}
		self.links.Set(key, link)
		self.metrics.LinksMerged.Inc()
		changed = true
	}

	if changed {
		self.version += 1
		self.metrics.GraphNodes.Set(float64(self.nodes.Len()))
		self.metrics.GraphLinks.Set(float64(self.links.Len()))
	}
	return changed
}

// nodes ordered by id and links ordered by pair key
// the same set of updates produces the same slices regardless of arrival order
func (self *GraphAggregator) CurrentGraph() ([]Node, []Link) {
	nodes := make([]Node, 0, self.nodes.Len())
	self.nodes.Scan(func(id string, node Node) bool {
		nodes = append(nodes, node)
		return true
	})
	links := make([]Link, 0, self.links.Len())
	self.links.Scan(func(key string, link Link) bool {
		links = append(links, link)
		return true
	})
	return nodes, links
}

// links with at least one endpoint not yet known
func (self *GraphAggregator) UnresolvedLinks() []Link {
	unresolved := []Link{}
	self.links.Scan(func(key string, link Link) bool {
		_, sourceOk := self.nodes.Get(link.Source)
		_, targetOk := self.nodes.Get(link.Target)
		if !sourceOk || !targetOk {
			unresolved = append(unresolved, link)
		}
		return true
	})
	return unresolved
}

func (self *GraphAggregator) Node(id string) (Node, bool) {
	return self.nodes.Get(id)
}

func (self *GraphAggregator) Link(source string, target string) (Link, bool) {
	return self.links.Get(LinkKey(source, target))
}

func (self *GraphAggregator) NodeCount() int {
	return self.nodes.Len()
}

func (self *GraphAggregator) LinkCount() int {
	return self.links.Len()
}

func (self *GraphAggregator) Version() uint64 {
	return self.version
}

// drops the whole graph
// only used when the session changes, never as part of a merge
func (self *GraphAggregator) Reset() {
	self.nodes = btree.NewMap[string, Node](0)
	self.links = btree.NewMap[string, Link](0)
	self.version += 1
	self.metrics.GraphNodes.Set(0)
	self.metrics.GraphLinks.Set(0)
}
