package models

import (
	"maps"
	"math"
	"strconv"
	"strings"
	"time"
)

// Well-known configuration attribute names
const (
	AttrEntitlement  = "entitlement"
	AttrSMT          = "smt"
	AttrVirtualCPUs  = "virtual_cpus"
	AttrPoolID       = "pool_id"
	AttrCapped       = "capped"
	AttrSerialNumber = "serial_number"
	AttrMaxCPU       = "max_cpu"
)

// Attributes is a snapshot of a partition's static configuration
type Attributes map[string]string

// Clone returns an independent copy
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return maps.Clone(a)
}

// Equal reports whether two snapshots have identical content
func (a Attributes) Equal(o Attributes) bool {
	return maps.Equal(a, o)
}

func (a Attributes) float(key string, def float64) float64 {
	raw, ok := a[key]
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

// Entitlement in cores
func (a Attributes) Entitlement() float64 {
	return a.float(AttrEntitlement, 0)
}

// SMT level; defaults to 1 when unknown
func (a Attributes) SMT() int {
	v := int(a.float(AttrSMT, 1))
	if v < 1 {
		return 1
	}
	return v
}

// VirtualCPUs configured
func (a Attributes) VirtualCPUs() int {
	return int(a.float(AttrVirtualCPUs, 0))
}

// MaxCPU is the configured ceiling in cores. Falls back to virtual CPUs.
func (a Attributes) MaxCPU() float64 {
	if v := a.float(AttrMaxCPU, 0); v > 0 {
		return v
	}
	return float64(a.VirtualCPUs())
}

// PoolID of the shared processor pool
func (a Attributes) PoolID() string {
	return a[AttrPoolID]
}

// Capped reports whether the partition is capped
func (a Attributes) Capped() bool {
	switch strings.ToLower(strings.TrimSpace(a[AttrCapped])) {
	case "1", "true", "yes", "capped":
		return true
	}
	return false
}

// ConfigurationEpoch is a time range during which a partition's configuration
// did not change. End is inclusive.
type ConfigurationEpoch struct {
	EntityID   string     `json:"entity_id"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Attributes Attributes `json:"attributes"`
	Synthetic  bool       `json:"synthetic,omitempty"`
}

// Contains reports whether t falls inside the epoch
func (e ConfigurationEpoch) Contains(t time.Time) bool {
	return !t.Before(e.Start) && !t.After(e.End)
}
