package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/whisp-im/whisp/crypto"
)

const (
	// pbkdf2Iterations is the key-derivation work factor.
	pbkdf2Iterations = 100000
	// fileVersion is the current on-disk format version.
	fileVersion = 1
	// saltSize is the size of the PBKDF2 salt.
	saltSize = 32

	keysFilename = "keys"
	saltFilename = ".salt"
)

// Encrypted is a Store persisted to disk with AES-256-GCM encryption
// at rest, keyed from a master passphrase via PBKDF2. The whole store
// (local private key and peer key cache) lives in one encrypted file
// rewritten atomically on every mutation.
//
// File format: [version:2][nonce:12][ciphertext+tag:N].
type Encrypted struct {
	mu            sync.RWMutex
	dataDir       string
	encryptionKey [32]byte
	local         *crypto.KeyPair
	peerKeys      map[string][32]byte
}

type encryptedDocument struct {
	LocalPrivate string            `json:"localPrivate"`
	PeerKeys     map[string]string `json:"peerKeys"`
}

// OpenEncrypted opens (or initializes) an encrypted keystore under
// dataDir. A fresh store generates a new local key pair; an existing
// one is decrypted with the key derived from masterPassword.
func OpenEncrypted(dataDir string, masterPassword []byte) (*Encrypted, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &Encrypted{
		dataDir:  dataDir,
		peerKeys: make(map[string][32]byte),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(masterPassword, salt, pbkdf2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derived)
	crypto.ZeroBytes(derived)
	crypto.ZeroBytes(masterPassword)

	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *Encrypted) loadOrGenerateSalt() ([]byte, error) {
	saltFile := filepath.Join(ks.dataDir, saltFilename)

	data, err := os.ReadFile(saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != saltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
	}
	return data, nil
}

// load decrypts the store file, or generates a fresh local key pair
// when no store file exists yet.
func (ks *Encrypted) load() error {
	plaintext, err := ks.readEncrypted(keysFilename)
	if err != nil {
		if os.IsNotExist(err) {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("failed to generate local key pair: %w", err)
			}
			ks.local = kp
			return ks.persistLocked()
		}
		return err
	}
	defer crypto.ZeroBytes(plaintext)

	var doc encryptedDocument
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return fmt.Errorf("failed to decode keystore document: %w", err)
	}

	secret, err := hex.DecodeString(doc.LocalPrivate)
	if err != nil || len(secret) != 32 {
		return fmt.Errorf("corrupt local private key in keystore")
	}
	var secretKey [32]byte
	copy(secretKey[:], secret)
	crypto.ZeroBytes(secret)

	kp, err := crypto.FromSecretKey(secretKey)
	if err != nil {
		return fmt.Errorf("failed to rebuild local key pair: %w", err)
	}
	ks.local = kp

	for peerID, keyHex := range doc.PeerKeys {
		raw, err := hex.DecodeString(keyHex)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("corrupt public key for peer %s", peerID)
		}
		var pub [32]byte
		copy(pub[:], raw)
		ks.peerKeys[peerID] = pub
	}
	return nil
}

func (ks *Encrypted) persistLocked() error {
	doc := encryptedDocument{
		LocalPrivate: hex.EncodeToString(ks.local.Private[:]),
		PeerKeys:     make(map[string]string, len(ks.peerKeys)),
	}
	for peerID, pub := range ks.peerKeys {
		doc.PeerKeys[peerID] = hex.EncodeToString(pub[:])
	}

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode keystore document: %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	return ks.writeEncrypted(keysFilename, plaintext)
}

// writeEncrypted encrypts and writes data to a file under dataDir,
// atomically via a temporary file and rename.
func (ks *Encrypted) writeEncrypted(filename string, plaintext []byte) error {
	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], fileVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := filepath.Join(ks.dataDir, filename+".tmp")
	finalFile := filepath.Join(ks.dataDir, filename)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func (ks *Encrypted) readEncrypted(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.dataDir, filename))
	if err != nil {
		return nil, err
	}

	// version + minimum GCM nonce + tag
	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("keystore file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != fileVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d", version)
	}

	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize {
		return nil, fmt.Errorf("keystore file too short for nonce")
	}

	plaintext, err := gcm.Open(nil, data[2:2+nonceSize], data[2+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted data): %w", err)
	}
	return plaintext, nil
}

// LocalKeyPair returns the local key pair.
func (ks *Encrypted) LocalKeyPair() *crypto.KeyPair {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.local
}

// Get returns a peer's cached public key, if known.
func (ks *Encrypted) Get(peerID string) ([32]byte, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.peerKeys[peerID]
	return key, ok
}

// Put caches a peer's public key and persists the store.
func (ks *Encrypted) Put(peerID string, publicKey [32]byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.peerKeys[peerID] = publicKey
	return ks.persistLocked()
}

// Has reports whether a peer's public key is resident.
func (ks *Encrypted) Has(peerID string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.peerKeys[peerID]
	return ok
}

// Close wipes the derived encryption key. The store must not be used
// afterwards.
func (ks *Encrypted) Close() error {
	crypto.ZeroBytes(ks.encryptionKey[:])
	return nil
}
