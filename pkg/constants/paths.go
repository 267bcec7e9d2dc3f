package constants

const (
	// NoncePath issues signed visual nonces.
	NoncePath = "/nonce"

	// VerifyPath accepts assembled attestation proofs.
	VerifyPath = "/verify"

	// HealthPath is the liveness probe.
	HealthPath = "/health"
)
