package auth

// ServiceKeyVerifier authenticates "Authorization: ApiKey <key>" requests
// from server-to-server integrators against a small, operator-provisioned
// allowlist of Argon2id hashes, the same credential shape the teacher's
// "ApiKey agent_id:secret" scheme used, minus the per-agent identity
// lookup this domain has no storage layer for.
type ServiceKeyVerifier struct {
	hashes map[string]string // service name -> Argon2id hash
}

// NewServiceKeyVerifier builds a verifier from a name->hash allowlist. A
// nil or empty map disables the scheme entirely: Verify always fails.
func NewServiceKeyVerifier(hashes map[string]string) *ServiceKeyVerifier {
	return &ServiceKeyVerifier{hashes: hashes}
}

// Verify checks raw against every configured hash, in the teacher's
// verifyAPIKey style: return the matching service's name on the first hit,
// and run a DummyVerify before reporting failure so that every failure,
// including one with no keys configured, costs at least one Argon2id hash.
// A miss against N configured keys costs N+1 hashes, so timing still
// varies with the number of configured keys.
func (v *ServiceKeyVerifier) Verify(raw string) (string, bool) {
	if v == nil || raw == "" {
		DummyVerify()
		return "", false
	}
	for name, hash := range v.hashes {
		if valid, err := VerifySecret(raw, hash); err == nil && valid {
			return name, true
		}
	}
	DummyVerify()
	return "", false
}
