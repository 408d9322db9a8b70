package registry

import (
	"code.dogecoin.org/registry/internal/signer"
	"code.dogecoin.org/registry/internal/spec"
)

// Identity is the local operator's own registered entry, passed into
// the verification entry points. All methods tolerate a nil receiver
// (a node that does not operate an entry).
type Identity struct {
	Outpoint   spec.Outpoint
	Service    spec.Address
	ServiceKey *signer.Key

	// OnActivated re-arms the local activation state machine when our
	// own announcement arrives from the network. May be nil.
	OnActivated func()
}

// IsActive reports whether we operate a registered entry.
func (id *Identity) IsActive() bool {
	return id != nil && !id.Outpoint.IsNull()
}

// Is reports whether the outpoint is our own.
func (id *Identity) Is(out spec.Outpoint) bool {
	return id != nil && id.Outpoint == out
}

// IsAddr reports whether the service address is our own.
func (id *Identity) IsAddr(addr spec.Address) bool {
	return id != nil && sameAddr(id.Service, addr)
}

// ServicePubKey is the compressed service public key, nil when inactive.
func (id *Identity) ServicePubKey() []byte {
	if id == nil || id.ServiceKey == nil {
		return nil
	}
	return id.ServiceKey.PubKey()
}
