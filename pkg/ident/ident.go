// Package ident derives the 128-bit instance UID the agent presents to the OpAMP server.
package ident

import (
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/otelfleet/opamp-agent/pkg/util"
	"github.com/samber/lo"
)

const (
	MetadataIDType = "otelfleet.io/id-type"
)

const (
	IDTypeMac    = "mac"
	IDTypeRandom = "random"
)

// Namespace is the UUIDv5 namespace for MAC-derived instance UIDs.
var Namespace = uuid.MustParse("6f3c0e6a-2f1d-5b8e-9c4d-0a7b1e2f3c4d")

type ID struct {
	UUID     uuid.UUID
	Metadata map[string]string
}

type Identity interface {
	UniqueIdentifier() ID
}

type macID struct {
	rawMac []string
	name   string
}

var _ Identity = (*macID)(nil)

func (m *macID) UniqueIdentifier() ID {
	data := m.name + "|" + strings.Join(m.rawMac, ",")
	return ID{
		UUID:     uuid.NewSHA1(Namespace, []byte(data)),
		Metadata: map[string]string{MetadataIDType: IDTypeMac},
	}
}

// FromMAC returns an identity that is stable for a host and agent name. Interfaces without
// a hardware address are ignored.
func FromMAC(name string) (Identity, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	return fromHardwareAddrs(name, interfaces), nil
}

func fromHardwareAddrs(name string, interfaces []net.Interface) *macID {
	// Collect MAC addresses and sort them for consistency
	macs := lo.FilterMap(interfaces, func(intf net.Interface, _ int) (string, bool) {
		return intf.HardwareAddr.String(), len(intf.HardwareAddr) > 0
	})
	slices.Sort(macs)
	slog.With("macs", len(macs)).Debug(fmt.Sprintf("got mac addresses : %s", strings.Join(macs, ",")))

	return &macID{
		rawMac: macs,
		name:   name,
	}
}

type staticID struct {
	id ID
}

func (s staticID) UniqueIdentifier() ID { return s.id }

// Static wraps a UID obtained elsewhere, for example one restored from disk.
func Static(uid uuid.UUID, idType string) Identity {
	return staticID{id: ID{UUID: uid, Metadata: map[string]string{MetadataIDType: idType}}}
}

// NewRandomUID returns a fresh time-ordered UID.
func NewRandomUID() (uuid.UUID, error) {
	return util.NewInstanceUID(), nil
}
