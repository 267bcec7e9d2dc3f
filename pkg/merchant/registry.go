package merchant

import (
	"errors"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

var (
	// ErrMerchantNotFound is returned when no profile matches the given identifiers.
	ErrMerchantNotFound = errors.New("no merchant profile matches the given identifiers")

	// ErrMerchantMismatch is returned when an id resolves but the supplied origin or
	// host is not part of that merchant's network identity.
	ErrMerchantMismatch = errors.New("merchant id does not agree with the request origin or host")
)

// Registry is the immutable, shared merchant table constructed at startup.
type Registry struct {
	byID     map[string]*Profile
	profiles []*Profile
}

// NewRegistry builds a registry from the given profiles.
func NewRegistry(profiles []*Profile) *Registry {
	byID := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	return &Registry{
		byID:     byID,
		profiles: profiles,
	}
}

// Resolve looks up a merchant by id, origin or host, in that order. When an id is
// given together with an origin or host, the resolved profile's allowlists must
// contain them; ids and network identity must agree. Pure read, no side effects.
func (r *Registry) Resolve(id, origin, host string) (*Profile, error) {
	if id != "" {
		profile, ok := r.byID[id]
		if !ok {
			return nil, ErrMerchantNotFound
		}

		if origin != "" && !profile.AllowsOrigin(origin) {
			return nil, ErrMerchantMismatch
		}
		if host != "" && !lo.Contains(profile.AllowedHosts, host) {
			return nil, ErrMerchantMismatch
		}

		return profile, nil
	}

	if origin != "" {
		for _, profile := range r.profiles {
			if profile.AllowsOrigin(origin) {
				return profile, nil
			}
		}
	}

	if host != "" {
		for _, profile := range r.profiles {
			if lo.Contains(profile.AllowedHosts, host) {
				return profile, nil
			}
		}
	}

	return nil, ErrMerchantNotFound
}

// Profiles returns all registered profiles.
func (r *Registry) Profiles() []*Profile {
	return r.profiles
}

// AllowsOrigin reports whether the normalized origin is in the profile's allowlist.
func (p *Profile) AllowsOrigin(origin string) bool {
	normalized := NormalizeOrigin(origin)
	return lo.ContainsBy(p.AllowedOrigins, func(allowed string) bool {
		return NormalizeOrigin(allowed) == normalized
	})
}

// NormalizeOrigin reduces an origin or URL to scheme://host with any trailing
// slash stripped. Values that do not parse are returned trimmed, which makes the
// comparison fail rather than panic.
func NormalizeOrigin(origin string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(origin), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return trimmed
	}

	return parsed.Scheme + "://" + parsed.Host
}
