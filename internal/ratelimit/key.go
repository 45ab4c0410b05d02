package ratelimit

import "ipguard/internal/identity"

const unknownKey = "ip_unknown"

// KeyFor returns the counter key of an identity: user_<principal> when
// authenticated, ip_<address> otherwise.
func KeyFor(id identity.ClientIdentity) string {
	if id.Authenticated && id.Principal != "" {
		return "user_" + id.Principal
	}
	if id.Unknown() {
		return unknownKey
	}
	return "ip_" + id.IP
}
