package osbase

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/onkernel/buildspawn/lib/executil"
)

// Identity is the (suite, architecture, variant, base suite, custom name)
// tuple identifying one buildable root-filesystem configuration. Its derived
// name keys every on-disk artifact and must stay stable for the image's
// lifetime.
type Identity struct {
	Suite      string
	Arch       string
	Variant    string
	BaseSuite  string
	CustomName string
}

var nameSafe = regexp.MustCompile(`^[a-z0-9][a-z0-9._+-]*$`)

// ResolveIdentity validates the tuple and fills in the host architecture
// when none is given.
func ResolveIdentity(ctx context.Context, id Identity) (Identity, error) {
	if id.Suite == "" {
		return Identity{}, fmt.Errorf("image identity needs a suite")
	}
	if id.Arch == "" {
		out, err := executil.Output(ctx, "dpkg", "--print-architecture")
		if err != nil {
			return Identity{}, fmt.Errorf("detect host architecture: %w", err)
		}
		id.Arch = strings.TrimSpace(out)
	}
	if !nameSafe.MatchString(id.Name()) {
		return Identity{}, fmt.Errorf("derived image name %q is not filesystem-safe", id.Name())
	}
	return id, nil
}

// Name derives the unique, filesystem-safe key for this identity. A custom
// name wins outright; otherwise the name is suite(-basesuite)(-variant)-arch.
func (id Identity) Name() string {
	if id.CustomName != "" {
		return id.CustomName
	}
	parts := []string{id.Suite}
	if id.BaseSuite != "" && id.BaseSuite != id.Suite {
		parts = append(parts, id.BaseSuite)
	}
	if id.Variant != "" {
		parts = append(parts, id.Variant)
	}
	parts = append(parts, id.Arch)
	return strings.Join(parts, "-")
}

// BootstrapSuite is the suite handed to the bootstrap tool: the base suite
// when one is configured, the target suite otherwise.
func (id Identity) BootstrapSuite() string {
	if id.BaseSuite != "" {
		return id.BaseSuite
	}
	return id.Suite
}
