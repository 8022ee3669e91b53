package config

import (
	"fmt"

	"github.com/rescrv/hyperdex/internal/model"
)

// ServerID names one daemon in the cluster, independent of which regions it
// currently replicates.
type ServerID uint64

// RegionID names one rectangle of one subspace's hyperspace, and therefore one
// replication chain.
type RegionID uint64

// SubspaceID names one hyperspace within a space.
type SubspaceID uint64

// VirtualID names one virtual server: a server's role on one region's chain.
// It is the identity receive threads dispatch by and the identity stored in a
// key-operation's upstream/downstream fields.
type VirtualID uint64

// Space is a named, schema-bearing table. The schema is immutable for the
// life of the space; reconfiguration never alters Attributes, only the
// region/virtual-server assignment.
type Space struct {
	Name       string
	Key        model.Attribute
	Attributes []model.Attribute
	// Subspaces is ordered; Subspaces[0] is the key subspace (hashes only
	// the primary key and therefore contains every object exactly once).
	Subspaces []SubspaceID
}

// Subspace is one hyperspace over a chosen subset of a space's attributes.
// Regions partition its hyperspace into disjoint rectangles.
type Subspace struct {
	ID         SubspaceID
	Space      string
	Attributes []string // names of the hashed attributes, in hash order
	// Regions is ordered by rectangle so that adjacent entries describe
	// neighboring partitions; order is otherwise opaque to this package.
	Regions []RegionID
	// Prev/Next chain subspaces within the same space; zero means "none"
	// (this is the first or last subspace).
	Prev, Next SubspaceID
}

// bound is one axis-aligned rectangle assignment within a subspace: hashes
// whose first coordinate falls in [Lower, Upper) belong to Region. The full
// hyperspace-partitioning function is a black box outside this package's
// concern (see spec §1); this single-axis bound is enough to give
// LookupRegion a concrete, deterministic answer for routing and for tests.
type bound struct {
	Lower, Upper uint64
	Region       RegionID
}

// Region is a contiguous rectangle of a subspace's hyperspace, replicated by
// an ordered chain of virtual servers (Chain[0] is the head, the last entry
// is the tail).
type Region struct {
	ID        RegionID
	Subspace  SubspaceID
	Chain     []VirtualID
	bound     bound
}

// VirtualServer is one daemon's role on one region's chain: identity
// (server, region, chain-index), plus the network address receive threads
// and the transport dial against.
type VirtualServer struct {
	ID      VirtualID
	Server  ServerID
	Region  RegionID
	Index   int // position in Region.Chain; 0 is head
	Address string
}

// Configuration is the full, immutable picture of the cluster the coordinator
// has most recently pushed: every space, subspace, region, and virtual
// server, plus the monotonic cluster identity and configuration version used
// to detect staleness (§4.2's sent_config_version, §4.5's retransmission).
type Configuration struct {
	Cluster  uint64
	Version  uint64
	ReadOnly bool

	spaces    map[string]*Space
	subspaces map[SubspaceID]*Subspace
	regions   map[RegionID]*Region
	virtuals  map[VirtualID]*VirtualServer
}

// New builds an empty Configuration at the given cluster/version identity.
// Callers populate it via AddSpace/AddSubspace/AddRegion/AddVirtualServer
// before treating it as immutable and installing it.
func New(cluster, version uint64) *Configuration {
	return &Configuration{
		Cluster:   cluster,
		Version:   version,
		spaces:    make(map[string]*Space),
		subspaces: make(map[SubspaceID]*Subspace),
		regions:   make(map[RegionID]*Region),
		virtuals:  make(map[VirtualID]*VirtualServer),
	}
}

func (c *Configuration) AddSpace(s *Space) { c.spaces[s.Name] = s }

func (c *Configuration) AddSubspace(ss *Subspace) { c.subspaces[ss.ID] = ss }

// AddRegion registers a region owning the hash range [lower, upper) of its
// subspace, replicated by the given chain (head first, tail last).
func (c *Configuration) AddRegion(id RegionID, subspace SubspaceID, lower, upper uint64, chain []VirtualID) {
	c.regions[id] = &Region{
		ID:       id,
		Subspace: subspace,
		Chain:    append([]VirtualID(nil), chain...),
		bound:    bound{Lower: lower, Upper: upper, Region: id},
	}
	if ss, ok := c.subspaces[subspace]; ok {
		ss.Regions = append(ss.Regions, id)
	}
}

func (c *Configuration) AddVirtualServer(vs *VirtualServer) { c.virtuals[vs.ID] = vs }

// GetSpace returns the named space, or nil if unknown.
func (c *Configuration) GetSpace(name string) *Space { return c.spaces[name] }

// GetSubspace returns the subspace by id, or nil if unknown.
func (c *Configuration) GetSubspace(id SubspaceID) *Subspace { return c.subspaces[id] }

// GetRegion returns the region by id, or nil if unknown.
func (c *Configuration) GetRegion(id RegionID) *Region { return c.regions[id] }

// GetVirtualServer returns the virtual server by id, or nil if unknown.
func (c *Configuration) GetVirtualServer(id VirtualID) *VirtualServer { return c.virtuals[id] }

// RegionBounds returns the hash rectangle a region owns, for callers (such as
// internal/coordlink) that need to serialize a Configuration wholesale.
func (c *Configuration) RegionBounds(id RegionID) (lower, upper uint64, ok bool) {
	r := c.regions[id]
	if r == nil {
		return 0, 0, false
	}
	return r.bound.Lower, r.bound.Upper, true
}

// Regions returns every region id known to this configuration, in no
// particular order.
func (c *Configuration) Regions() []RegionID {
	ids := make([]RegionID, 0, len(c.regions))
	for id := range c.regions {
		ids = append(ids, id)
	}
	return ids
}

// AllSpaces returns every space known to this configuration, in no
// particular order.
func (c *Configuration) AllSpaces() []*Space {
	spaces := make([]*Space, 0, len(c.spaces))
	for _, s := range c.spaces {
		spaces = append(spaces, s)
	}
	return spaces
}

// AllSubspaces returns every subspace known to this configuration, in no
// particular order.
func (c *Configuration) AllSubspaces() []*Subspace {
	subspaces := make([]*Subspace, 0, len(c.subspaces))
	for _, ss := range c.subspaces {
		subspaces = append(subspaces, ss)
	}
	return subspaces
}

// AllVirtualServers returns every virtual server known to this
// configuration, in no particular order.
func (c *Configuration) AllVirtualServers() []*VirtualServer {
	vs := make([]*VirtualServer, 0, len(c.virtuals))
	for _, v := range c.virtuals {
		vs = append(vs, v)
	}
	return vs
}

// LookupRegion maps a subspace and a tuple of attribute hashes to the region
// that owns it. The hashing function that produces the tuple is outside this
// package's scope (spec §1 treats the hyperspace hash as an external black
// box); this performs only the rectangle-containment half of the mapping,
// keyed by the tuple's first coordinate.
func (c *Configuration) LookupRegion(subspace SubspaceID, hashes []uint64) (RegionID, bool) {
	if len(hashes) == 0 {
		return 0, false
	}
	ss, ok := c.subspaces[subspace]
	if !ok {
		return 0, false
	}
	h := hashes[0]
	for _, rid := range ss.Regions {
		r := c.regions[rid]
		if r == nil {
			continue
		}
		if h >= r.bound.Lower && h < r.bound.Upper {
			return rid, true
		}
	}
	return 0, false
}

// HeadOfRegion returns the virtual server at the head of the region's chain.
func (c *Configuration) HeadOfRegion(region RegionID) (VirtualID, bool) {
	r := c.regions[region]
	if r == nil || len(r.Chain) == 0 {
		return 0, false
	}
	return r.Chain[0], true
}

// TailOfRegion returns the virtual server at the tail of the region's chain.
func (c *Configuration) TailOfRegion(region RegionID) (VirtualID, bool) {
	r := c.regions[region]
	if r == nil || len(r.Chain) == 0 {
		return 0, false
	}
	return r.Chain[len(r.Chain)-1], true
}

// IsTailOfRegion reports whether vs is the last entry of its region's chain.
func (c *Configuration) IsTailOfRegion(vs VirtualID) bool {
	v := c.virtuals[vs]
	if v == nil {
		return false
	}
	r := c.regions[v.Region]
	return r != nil && len(r.Chain) > 0 && r.Chain[len(r.Chain)-1] == vs
}

// NextInRegion returns the successor of vs within its own region's chain, or
// false if vs is the tail.
func (c *Configuration) NextInRegion(vs VirtualID) (VirtualID, bool) {
	v := c.virtuals[vs]
	if v == nil {
		return 0, false
	}
	r := c.regions[v.Region]
	if r == nil {
		return 0, false
	}
	for i, id := range r.Chain {
		if id == vs && i+1 < len(r.Chain) {
			return r.Chain[i+1], true
		}
	}
	return 0, false
}

// PredecessorInRegion returns the predecessor of vs within its own region's
// chain, or false if vs is the head.
func (c *Configuration) PredecessorInRegion(vs VirtualID) (VirtualID, bool) {
	v := c.virtuals[vs]
	if v == nil {
		return 0, false
	}
	r := c.regions[v.Region]
	if r == nil {
		return 0, false
	}
	for i, id := range r.Chain {
		if id == vs && i > 0 {
			return r.Chain[i-1], true
		}
	}
	return 0, false
}

// RegionOf returns the region a virtual server replicates.
func (c *Configuration) RegionOf(vs VirtualID) (RegionID, bool) {
	v := c.virtuals[vs]
	if v == nil {
		return 0, false
	}
	return v.Region, true
}

// SubspaceOf returns the subspace a region partitions.
func (c *Configuration) SubspaceOf(region RegionID) (SubspaceID, bool) {
	r := c.regions[region]
	if r == nil {
		return 0, false
	}
	return r.Subspace, true
}

// SubspaceNext returns the subspace following ss in its space's chain.
func (c *Configuration) SubspaceNext(ss SubspaceID) (SubspaceID, bool) {
	s := c.subspaces[ss]
	if s == nil || s.Next == 0 {
		return 0, false
	}
	return s.Next, true
}

// SubspacePrev returns the subspace preceding ss in its space's chain.
func (c *Configuration) SubspacePrev(ss SubspaceID) (SubspaceID, bool) {
	s := c.subspaces[ss]
	if s == nil || s.Prev == 0 {
		return 0, false
	}
	return s.Prev, true
}

// SubspaceAdjacent reports whether lhs (in one subspace) forwards
// chain-subspace traffic directly to rhs (in the next subspace) — i.e.
// whether lhs is the tail of its region and rhs is the head of a region in
// the immediately following subspace.
func (c *Configuration) SubspaceAdjacent(lhs, rhs VirtualID) bool {
	lv, rv := c.virtuals[lhs], c.virtuals[rhs]
	if lv == nil || rv == nil {
		return false
	}
	if !c.IsTailOfRegion(lhs) {
		return false
	}
	lssID, ok := c.SubspaceOf(lv.Region)
	if !ok {
		return false
	}
	nextSS, ok := c.SubspaceNext(lssID)
	if !ok {
		return false
	}
	rssID, ok := c.SubspaceOf(rv.Region)
	return ok && rssID == nextSS
}

func (c *Configuration) String() string {
	return fmt.Sprintf("config(cluster=%d, version=%d, spaces=%d, regions=%d, virtuals=%d)",
		c.Cluster, c.Version, len(c.spaces), len(c.regions), len(c.virtuals))
}
