package crypto

import "crypto/rand"

// Nonce is the 24-byte value secretbox requires; a fresh one is drawn
// for every Encrypt call and travels prepended to the ciphertext.
type Nonce [24]byte

// NonceSize is the length of a Nonce in bytes.
const NonceSize = 24

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}
