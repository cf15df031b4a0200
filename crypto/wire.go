package crypto

import (
	"encoding/hex"
	"fmt"
)

// HexCiphertext renders the ciphertext for a wire payload.
func (s *Sealed) HexCiphertext() string {
	return hex.EncodeToString(s.Ciphertext)
}

// HexChecksum renders the checksum for a wire payload.
func (s *Sealed) HexChecksum() string {
	return hex.EncodeToString(s.Checksum[:])
}

// SealedFromHex parses the ciphertext and checksum fields of a wire
// payload. A malformed field is reported as ErrDecryptFailure so the
// enclosing event is dropped like any other undecryptable payload.
func SealedFromHex(ciphertext, checksum string) (*Sealed, error) {
	rawCipher, err := hex.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext encoding", ErrDecryptFailure)
	}
	rawSum, err := hex.DecodeString(checksum)
	if err != nil || len(rawSum) != 32 {
		return nil, fmt.Errorf("%w: malformed checksum encoding", ErrDecryptFailure)
	}

	s := &Sealed{Ciphertext: rawCipher}
	copy(s.Checksum[:], rawSum)
	return s, nil
}
