package directory

import (
	"context"
	"errors"
)

// ErrUnknownPet is returned when the directory has no record of the pet.
var ErrUnknownPet = errors.New("pet not found in directory")

// Provider resolves pet ownership. The scheduling service uses it only to
// check that a booking's pet belongs to the requesting client.
type Provider interface {
	OwnerOf(ctx context.Context, petID string) (clientID string, err error)
}

type staticProvider struct {
	owners map[string]string // petID -> clientID
}

// NewStaticProvider serves ownership from a fixed map. Used in tests and in
// dev environments without a directory service.
func NewStaticProvider(owners map[string]string) Provider {
	return &staticProvider{owners: owners}
}

func (p *staticProvider) OwnerOf(_ context.Context, petID string) (string, error) {
	owner, ok := p.owners[petID]
	if !ok {
		return "", ErrUnknownPet
	}
	return owner, nil
}
