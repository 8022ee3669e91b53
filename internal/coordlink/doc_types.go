package coordlink

import (
	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/model"
)

// AttributeDoc is the wire shape of model.Attribute.
type AttributeDoc struct {
	Name    string `json:"name"`
	Type    uint8  `json:"type"`
	ElemOf  uint8  `json:"elem_of,omitempty"`
	ValueOf uint8  `json:"value_of,omitempty"`
}

func (d AttributeDoc) toAttribute() model.Attribute {
	return model.Attribute{
		Name:    d.Name,
		Type:    model.Kind(d.Type),
		ElemOf:  model.Kind(d.ElemOf),
		ValueOf: model.Kind(d.ValueOf),
	}
}

func fromAttribute(a model.Attribute) AttributeDoc {
	return AttributeDoc{
		Name:    a.Name,
		Type:    uint8(a.Type),
		ElemOf:  uint8(a.ElemOf),
		ValueOf: uint8(a.ValueOf),
	}
}

func toAttributes(docs []AttributeDoc) []model.Attribute {
	out := make([]model.Attribute, len(docs))
	for i, d := range docs {
		out[i] = d.toAttribute()
	}
	return out
}

func fromAttributes(attrs []model.Attribute) []AttributeDoc {
	out := make([]AttributeDoc, len(attrs))
	for i, a := range attrs {
		out[i] = fromAttribute(a)
	}
	return out
}

// SpaceDoc is the wire shape of config.Space.
type SpaceDoc struct {
	Name       string         `json:"name"`
	Key        AttributeDoc   `json:"key"`
	Attributes []AttributeDoc `json:"attributes"`
	Subspaces  []uint64       `json:"subspaces"`
}

// SubspaceDoc is the wire shape of config.Subspace.
type SubspaceDoc struct {
	ID         uint64   `json:"id"`
	Space      string   `json:"space"`
	Attributes []string `json:"attributes"`
	Regions    []uint64 `json:"regions"`
	Prev       uint64   `json:"prev,omitempty"`
	Next       uint64   `json:"next,omitempty"`
}

// RegionDoc is the wire shape of config.Region.
type RegionDoc struct {
	ID       uint64   `json:"id"`
	Subspace uint64   `json:"subspace"`
	Lower    uint64   `json:"lower"`
	Upper    uint64   `json:"upper"`
	Chain    []uint64 `json:"chain"`
}

// VirtualServerDoc is the wire shape of config.VirtualServer.
type VirtualServerDoc struct {
	ID      uint64 `json:"id"`
	Server  uint64 `json:"server"`
	Region  uint64 `json:"region"`
	Index   int    `json:"index"`
	Address string `json:"address"`
}

// ConfigurationDoc is the full wire shape of config.Configuration, the body
// the coordinator returns from FetchConfiguration.
type ConfigurationDoc struct {
	Cluster   uint64             `json:"cluster"`
	Version   uint64             `json:"version"`
	ReadOnly  bool               `json:"read_only"`
	Spaces    []SpaceDoc         `json:"spaces"`
	Subspaces []SubspaceDoc      `json:"subspaces"`
	Regions   []RegionDoc        `json:"regions"`
	Virtuals  []VirtualServerDoc `json:"virtuals"`
}

// ToConfiguration rebuilds a *config.Configuration from its wire form.
func (d ConfigurationDoc) ToConfiguration() *config.Configuration {
	cfg := config.New(d.Cluster, d.Version)
	cfg.ReadOnly = d.ReadOnly

	for _, s := range d.Spaces {
		subspaces := make([]config.SubspaceID, len(s.Subspaces))
		for i, id := range s.Subspaces {
			subspaces[i] = config.SubspaceID(id)
		}
		cfg.AddSpace(&config.Space{
			Name:       s.Name,
			Key:        s.Key.toAttribute(),
			Attributes: toAttributes(s.Attributes),
			Subspaces:  subspaces,
		})
	}
	for _, ss := range d.Subspaces {
		regions := make([]config.RegionID, len(ss.Regions))
		for i, id := range ss.Regions {
			regions[i] = config.RegionID(id)
		}
		cfg.AddSubspace(&config.Subspace{
			ID:         config.SubspaceID(ss.ID),
			Space:      ss.Space,
			Attributes: append([]string(nil), ss.Attributes...),
			Regions:    regions,
			Prev:       config.SubspaceID(ss.Prev),
			Next:       config.SubspaceID(ss.Next),
		})
	}
	for _, r := range d.Regions {
		chain := make([]config.VirtualID, len(r.Chain))
		for i, id := range r.Chain {
			chain[i] = config.VirtualID(id)
		}
		cfg.AddRegion(config.RegionID(r.ID), config.SubspaceID(r.Subspace), r.Lower, r.Upper, chain)
	}
	for _, v := range d.Virtuals {
		cfg.AddVirtualServer(&config.VirtualServer{
			ID:      config.VirtualID(v.ID),
			Server:  config.ServerID(v.Server),
			Region:  config.RegionID(v.Region),
			Index:   v.Index,
			Address: v.Address,
		})
	}
	return cfg
}

// FromConfiguration serializes cfg into its wire form, for the coordinator
// side (and for round-trip tests here).
func FromConfiguration(cfg *config.Configuration) ConfigurationDoc {
	doc := ConfigurationDoc{Cluster: cfg.Cluster, Version: cfg.Version, ReadOnly: cfg.ReadOnly}

	for _, s := range cfg.AllSpaces() {
		subspaces := make([]uint64, len(s.Subspaces))
		for i, id := range s.Subspaces {
			subspaces[i] = uint64(id)
		}
		doc.Spaces = append(doc.Spaces, SpaceDoc{
			Name:       s.Name,
			Key:        fromAttribute(s.Key),
			Attributes: fromAttributes(s.Attributes),
			Subspaces:  subspaces,
		})
	}
	for _, ss := range cfg.AllSubspaces() {
		regions := make([]uint64, len(ss.Regions))
		for i, id := range ss.Regions {
			regions[i] = uint64(id)
		}
		doc.Subspaces = append(doc.Subspaces, SubspaceDoc{
			ID:         uint64(ss.ID),
			Space:      ss.Space,
			Attributes: append([]string(nil), ss.Attributes...),
			Regions:    regions,
			Prev:       uint64(ss.Prev),
			Next:       uint64(ss.Next),
		})
	}
	for _, id := range cfg.Regions() {
		lower, upper, _ := cfg.RegionBounds(id)
		region := cfg.GetRegion(id)
		chain := make([]uint64, len(region.Chain))
		for i, vs := range region.Chain {
			chain[i] = uint64(vs)
		}
		doc.Regions = append(doc.Regions, RegionDoc{
			ID:       uint64(id),
			Subspace: uint64(region.Subspace),
			Lower:    lower,
			Upper:    upper,
			Chain:    chain,
		})
	}
	for _, v := range cfg.AllVirtualServers() {
		doc.Virtuals = append(doc.Virtuals, VirtualServerDoc{
			ID:      uint64(v.ID),
			Server:  uint64(v.Server),
			Region:  uint64(v.Region),
			Index:   v.Index,
			Address: v.Address,
		})
	}
	return doc
}
