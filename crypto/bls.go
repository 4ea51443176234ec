package crypto

// SignatureVerifier checks a signature over a message digest. The dispute
// layer treats it as an opaque backend so deployments can plug in BLS,
// Schnorr, or a test double without touching protocol code.
type SignatureVerifier interface {
	// Verify reports whether sig is a valid signature by pubkey over msg.
	Verify(pubkey, msg, sig []byte) bool
}
