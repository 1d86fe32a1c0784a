package nspawn

import (
	"context"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/onkernel/buildspawn/lib/logger"
)

// Permission grant names accepted from callers. Every grant is independently
// additive and every known grant is considered dangerous: none of them is
// honored unless the global unsafe-permissions opt-in is set.
const (
	PermAllCaps   = "all"
	PermFullDev   = "full-dev"
	PermFullProc  = "full-proc"
	PermReadKmods = "read-kmods"
	PermKVM       = "kvm"

	capPrefix = "cap_"
)

// Permissions is the resolved grant set for one run.
type Permissions struct {
	Capabilities []string // raw CAP_* names, or "all"
	FullDev      bool
	FullProc     bool
	ReadKmods    bool
	KVM          bool
}

// ParsePermissions resolves a caller-supplied grant list. Unknown grant
// strings are logged and ignored rather than failing the run.
func ParsePermissions(ctx context.Context, grants []string) *Permissions {
	log := logger.FromContext(ctx)
	perms := &Permissions{}
	for _, grant := range lo.Uniq(grants) {
		g := strings.ToLower(strings.TrimSpace(grant))
		switch {
		case g == "":
		case g == PermAllCaps:
			perms.Capabilities = []string{"all"}
		case strings.HasPrefix(g, capPrefix):
			if perms.Capabilities == nil || perms.Capabilities[0] != "all" {
				perms.Capabilities = append(perms.Capabilities, strings.ToUpper(g))
			}
		case g == PermFullDev:
			perms.FullDev = true
		case g == PermFullProc:
			perms.FullProc = true
		case g == PermReadKmods:
			perms.ReadKmods = true
		case g == PermKVM:
			perms.KVM = true
		default:
			log.WarnContext(ctx, "ignoring unknown permission grant", "grant", grant)
		}
	}
	return perms
}

// Empty reports whether no grant is in effect.
func (p *Permissions) Empty() bool {
	return len(p.Capabilities) == 0 && !p.FullDev && !p.FullProc && !p.ReadKmods && !p.KVM
}

// RequiresOptIn reports whether this grant set needs the global
// unsafe-permissions opt-in before the isolation tool may be invoked.
func (p *Permissions) RequiresOptIn() bool {
	return !p.Empty()
}

// StripForCaching returns a copy safe for baking into a derived cache image:
// device, proc and kernel-module access must never be captured in a cached
// tree. KVM and raw capability grants only shape the runtime sandbox, not
// the tree, and survive the strip.
func (p *Permissions) StripForCaching() *Permissions {
	return &Permissions{
		Capabilities: append([]string(nil), p.Capabilities...),
		KVM:          p.KVM,
	}
}

// flags translates the grant set into isolation-tool arguments. The nspawn
// version gates console wiring for full device access; older versions
// misbehave when a console device is bound without it.
func (p *Permissions) flags(ctx context.Context, nspawnVersion int) []string {
	log := logger.FromContext(ctx)
	var args []string

	if len(p.Capabilities) > 0 {
		args = append(args, "--capability="+strings.Join(p.Capabilities, ","))
	}
	if p.FullDev {
		args = append(args,
			"--bind=/dev:/dev",
			"--property=DeviceAllow=char-* rwm",
			"--property=DeviceAllow=block-* rwm")
		if nspawnVersion >= 242 {
			args = append(args, "--console=pipe")
		}
	}
	if p.FullProc {
		log.WarnContext(ctx, "granting full host /proc access to instance")
		args = append(args, "--bind=/proc:/proc")
	}
	if p.ReadKmods {
		args = append(args, "--bind-ro=/usr/lib/modules", "--bind-ro=/boot")
	}
	if p.KVM {
		if _, err := os.Stat("/dev/kvm"); err == nil {
			args = append(args, "--bind=/dev/kvm")
		} else {
			log.WarnContext(ctx, "kvm permission granted but /dev/kvm is absent, skipping bind")
		}
	}
	return args
}
