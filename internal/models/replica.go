package models

import (
	"encoding/json"
	"fmt"
)

type ServerType string

const (
	ServerTypeEntry ServerType = "entry"
	ServerTypePS    ServerType = "ps"
	ServerTypeDense ServerType = "dense"
)

func (s ServerType) String() string {
	return string(s)
}

// State mirrors the serving runtime's model-version state. Only
// StateAvailable is routable; everything the runtime reports outside
// AVAILABLE collapses to unavailable, and UNKNOWN covers nodes we have
// not heard from yet.
type State int8

const (
	StateUnknown State = iota
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	}
	return "unknown"
}

type AddressFamily string

const (
	IPV4 AddressFamily = "ipv4"
	IPV6 AddressFamily = "ipv6"
)

// ReplicaMeta is the payload stored at a replica node: the replica's
// grpc and archon endpoints for both address families plus the last
// observed model state.
type ReplicaMeta struct {
	Address         string `json:"address"`
	AddressIPV6     string `json:"address_ipv6"`
	ArchonAddress   string `json:"archon_address"`
	ArchonAddressV6 string `json:"archon_address_ipv6"`
	Stat            State  `json:"stat"`
}

func (m ReplicaMeta) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize replica meta: %w", err)
	}
	return data, nil
}

func UnmarshalReplicaMeta(data []byte) (ReplicaMeta, error) {
	meta := ReplicaMeta{}
	err := json.Unmarshal(data, &meta)
	if err != nil {
		return ReplicaMeta{}, fmt.Errorf("failed to deserialize replica meta: %w", err)
	}
	return meta, nil
}

// Addr picks the endpoint consumers should dial for this replica.
func (m ReplicaMeta) Addr(useArchon bool, family AddressFamily) string {
	if useArchon {
		if family == IPV6 {
			return m.ArchonAddressV6
		}
		return m.ArchonAddress
	}
	if family == IPV6 {
		return m.AddressIPV6
	}
	return m.Address
}

// VersionStatus is one row of the serving runtime's model-status
// answer for a given role.
type VersionStatus struct {
	Version      int64
	State        State
	ErrorCode    int32
	ErrorMessage string
}

// ExtraInfo accompanies an address in the extended replica queries,
// carrying the locality and replica id the address was resolved from.
type ExtraInfo struct {
	IDC       string
	Cluster   string
	ReplicaID int
}
