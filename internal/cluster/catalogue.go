package cluster

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

// Discoverer lists clusters known to a backend, e.g. kubeconfig contexts.
type Discoverer func() ([]snapshot.Identity, error)

// Catalogue is the set of clusters a user can select. Configured entries
// win over discovered ones with the same name.
type Catalogue struct {
	configured []snapshot.Identity
	discover   Discoverer
}

// NewCatalogue creates a catalogue. discover may be nil.
func NewCatalogue(configured []snapshot.Identity, discover Discoverer) *Catalogue {
	return &Catalogue{configured: slices.Clone(configured), discover: discover}
}

// List returns all clusters sorted by name.
func (c *Catalogue) List() ([]snapshot.Identity, error) {
	byName := map[string]snapshot.Identity{}
	if c.discover != nil {
		discovered, err := c.discover()
		if err != nil && len(c.configured) == 0 {
			return nil, err
		}
		for _, identity := range discovered {
			byName[identity.Name] = identity
		}
	}
	for _, identity := range c.configured {
		byName[identity.Name] = identity
	}

	identities := make([]snapshot.Identity, 0, len(byName))
	for _, identity := range byName {
		identities = append(identities, identity)
	}
	slices.SortFunc(identities, func(a, b snapshot.Identity) int {
		return strings.Compare(a.Name, b.Name)
	})
	return identities, nil
}

// Lookup finds a cluster by name.
func (c *Catalogue) Lookup(name string) (snapshot.Identity, error) {
	identities, err := c.List()
	if err != nil {
		return snapshot.Identity{}, err
	}
	for _, identity := range identities {
		if identity.Name == name {
			return identity, nil
		}
	}
	return snapshot.Identity{}, fmt.Errorf("%w: %q", ErrUnknownCluster, name)
}
