package ident

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentFromMAC(t *testing.T) {
	provider, err := FromMAC("foo")
	require.NoError(t, err)

	id1 := provider.UniqueIdentifier()
	require.NotEqual(t, uuid.Nil, id1.UUID)
	id2 := provider.UniqueIdentifier()
	require.Equal(t, id1.UUID, id2.UUID)
	assert.Equal(t, IDTypeMac, id1.Metadata[MetadataIDType])
	assert.Equal(t, uuid.Version(5), id1.UUID.Version())
}

func TestIdentFromHardwareAddrs(t *testing.T) {
	mac := func(s string) net.HardwareAddr {
		hw, err := net.ParseMAC(s)
		require.NoError(t, err)
		return hw
	}
	ifaces := []net.Interface{
		{Name: "eth1", HardwareAddr: mac("00:00:5e:00:53:02")},
		{Name: "lo"},
		{Name: "eth0", HardwareAddr: mac("00:00:5e:00:53:01")},
	}
	reordered := []net.Interface{ifaces[2], ifaces[0], ifaces[1]}

	a := fromHardwareAddrs("collector", ifaces).UniqueIdentifier().UUID
	b := fromHardwareAddrs("collector", reordered).UniqueIdentifier().UUID
	c := fromHardwareAddrs("gateway", ifaces).UniqueIdentifier().UUID
	assert.Equal(t, a, b, "interface order must not matter")
	assert.NotEqual(t, a, c, "agent name is part of the identity")
}

func TestStatic(t *testing.T) {
	uid, err := NewRandomUID()
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), uid.Version())

	id := Static(uid, IDTypeRandom).UniqueIdentifier()
	assert.Equal(t, uid, id.UUID)
	assert.Equal(t, IDTypeRandom, id.Metadata[MetadataIDType])
}
