// Package sonic holds the branch-specific SONiC command families and the
// resolver that binds a device's branch to one of them.
//
// Each family is a table of factories keyed by branch with a mandatory
// "default" entry. Unknown branches are expected (new releases appear
// continuously) and fall back to default with a warning.
package sonic

import (
	"fmt"
	"sort"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// DefaultVariant is the fallback key every family must register.
const DefaultVariant = "default"

// Args are the constructor arguments handed to a family factory.
type Args struct {
	Engine  engine.Engine
	Sleeper util.Sleeper
	// PortStatus overrides where link state is read from. Nil means
	// "show interfaces status".
	PortStatus PortStatusReader
	// General is the general CLI bound to the same device, for families
	// that need config_db access or config reloads.
	General GeneralCLI
}

func (a Args) sleeper() util.Sleeper {
	if a.Sleeper == nil {
		return util.DefaultSleeper
	}
	return a.Sleeper
}

// Factory builds one variant of a family.
type Factory[T any] func(variant string, args Args) T

// Resolver selects a family variant by branch.
type Resolver[T any] struct {
	family    string
	factories map[string]Factory[T]
}

// NewResolver builds a resolver. It panics when factories has no
// "default" entry.
func NewResolver[T any](family string, factories map[string]Factory[T]) *Resolver[T] {
	if _, ok := factories[DefaultVariant]; !ok {
		panic(fmt.Sprintf("sonic: %s resolver has no %q variant", family, DefaultVariant))
	}
	return &Resolver[T]{family: family, factories: factories}
}

// Family returns the family name.
func (r *Resolver[T]) Family() string { return r.family }

// Lookup returns the variant key that branch resolves to and whether it
// was a direct hit.
func (r *Resolver[T]) Lookup(branch string) (string, bool) {
	if _, ok := r.factories[branch]; ok {
		return branch, true
	}
	return DefaultVariant, false
}

// Resolve builds the variant for branch. It never fails.
func (r *Resolver[T]) Resolve(branch string, args Args) T {
	variant, hit := r.Lookup(branch)
	log := util.WithFamily(r.family)
	if hit {
		log.Infof("Going to use %s CLI variant %q", r.family, variant)
	} else {
		log.Warnf("No %s CLI variant for branch %q, using %q", r.family, branch, DefaultVariant)
	}
	return r.factories[variant](variant, args)
}

// Variants lists the registered keys, sorted.
func (r *Resolver[T]) Variants() []string {
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
