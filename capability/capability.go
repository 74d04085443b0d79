// Package capability derives whether a user may subscribe to every comment on the site.
package capability

import (
	"log/slog"

	"optin-comment-notifier/pkg/notifier"
)

// Override adjusts the derived capability. It receives the result of the
// previous stage and the user's raw capabilities.
type Override func(allowed bool, caps notifier.Capabilities) bool

// Resolver computes the derived subscribe-to-all capability.
// The override chain is fixed at construction.
type Resolver struct {
	logger    *slog.Logger
	cfg       notifier.Config
	overrides []Override
}

// New creates a resolver. Overrides run in the order given.
func New(cfg notifier.Config, logger *slog.Logger, overrides ...Override) *Resolver {
	return &Resolver{
		cfg:       cfg,
		logger:    logger,
		overrides: append([]Override(nil), overrides...),
	}
}

// Resolve reports whether the user may opt in. Every user may by default.
func (r *Resolver) Resolve(u notifier.User) bool {
	allowed := true
	for _, o := range r.overrides {
		allowed = o(allowed, u.Capabilities)
	}
	r.logger.Debug("Capability resolved", "user_id", u.ID, "capability", r.cfg.CapName, "allowed", allowed)
	return allowed
}

// Can answers a capability check. The derived capability goes through
// Resolve; anything else is read from the raw map.
func (r *Resolver) Can(u notifier.User, name string) bool {
	if name == r.cfg.CapName {
		return r.Resolve(u)
	}
	return u.Capabilities.Has(name)
}

// CanEditUser reports whether acting may change target's settings.
func (r *Resolver) CanEditUser(acting notifier.User, target notifier.UserID) bool {
	if acting.ID == 0 {
		return false
	}
	return acting.ID == target || acting.Capabilities.Has(r.cfg.EditUsersCap)
}

// RestrictToRoles limits the capability to users holding at least one of the roles.
func RestrictToRoles(roles ...string) Override {
	return func(allowed bool, caps notifier.Capabilities) bool {
		if !allowed {
			return false
		}
		for _, role := range roles {
			if caps.Has(role) {
				return true
			}
		}
		return false
	}
}

// RequireCapability limits the capability to users holding a raw capability.
func RequireCapability(name string) Override {
	return func(allowed bool, caps notifier.Capabilities) bool {
		return allowed && caps.Has(name)
	}
}
