package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicaMetaRoundTrip(t *testing.T) {
	meta := ReplicaMeta{
		Address:         "10.3.2.1:8710",
		AddressIPV6:     "[fd00::3]:8710",
		ArchonAddress:   "10.3.2.1:8711",
		ArchonAddressV6: "[fd00::3]:8711",
		Stat:            StateAvailable,
	}
	data, err := meta.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalReplicaMeta(data)
	require.NoError(t, err)
	assert.Equal(t, meta, decoded)
}

func TestReplicaMetaWireFormat(t *testing.T) {
	// The wire keys are shared with other consumers of the tree and
	// must stay stable.
	meta := ReplicaMeta{Address: "10.3.2.1:8710", Stat: StateUnavailable}
	data, err := meta.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"address":"10.3.2.1:8710","address_ipv6":"","archon_address":"","archon_address_ipv6":"","stat":2}`,
		string(data))
}

func TestUnmarshalReplicaMetaRejectsGarbage(t *testing.T) {
	_, err := UnmarshalReplicaMeta([]byte("not json"))
	assert.Error(t, err)
}

func TestAddrSelection(t *testing.T) {
	meta := ReplicaMeta{
		Address:         "v4:1",
		AddressIPV6:     "v6:1",
		ArchonAddress:   "av4:1",
		ArchonAddressV6: "av6:1",
	}
	assert.Equal(t, "v4:1", meta.Addr(false, IPV4))
	assert.Equal(t, "v6:1", meta.Addr(false, IPV6))
	assert.Equal(t, "av4:1", meta.Addr(true, IPV4))
	assert.Equal(t, "av6:1", meta.Addr(true, IPV6))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unknown", StateUnknown.String())
	assert.Equal(t, "available", StateAvailable.String())
	assert.Equal(t, "unavailable", StateUnavailable.String())
	assert.Equal(t, "unknown", State(42).String())
}
