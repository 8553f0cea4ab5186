// Package identity implements vault and client identities: Ed25519 signing keys,
// X25519 key agreement keys, persistence, and the derived XOR-space name.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
)

// IDPrefix is prepended to the base58 public key in textual identities
const IDPrefix = "vault:"

// Identity represents a node identity with signing and key agreement keys
type Identity struct {
	// Ed25519 signing key pair
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// X25519 key agreement key pair, published to section peers
	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	// Cached values
	id   string
	name xorname.Name
	tag  string
}

// GenerateIdentity creates a new identity with fresh key pairs
func GenerateIdentity() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	identity := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	identity.computeCached()

	return identity, nil
}

func (id *Identity) computeCached() {
	id.id = FormatID(id.SigningPublicKey)
	id.name = ClientName(id.SigningPublicKey)
	id.tag = encodeTag(id.name)
}

// ID returns the textual identity: "vault:" + base58(public key)
func (id *Identity) ID() string {
	if id.id == "" {
		id.computeCached()
	}
	return id.id
}

// Name returns the node's position in the XOR address space
func (id *Identity) Name() xorname.Name {
	if id.name.IsZero() {
		id.computeCached()
	}
	return id.name
}

// Tag returns a short pronounceable fingerprint for logs
func (id *Identity) Tag() string {
	if id.tag == "" {
		id.computeCached()
	}
	return id.tag
}

// Sign signs the message with the identity's signing key
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.SigningPrivateKey, message)
}

// FormatID renders a public key as a textual identity
func FormatID(pub ed25519.PublicKey) string {
	return IDPrefix + base58.Encode(pub)
}

// ParseID recovers the public key from a textual identity
func ParseID(id string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(id, IDPrefix) {
		return nil, fmt.Errorf("invalid identity %q: missing %q prefix", id, IDPrefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(id, IDPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid identity %q: %w", id, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid identity %q: key is %d bytes", id, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ClientName derives the XOR-space name of a key holder. Clients are managed
// by the section whose prefix matches this name.
func ClientName(pub ed25519.PublicKey) xorname.Name {
	return xorname.FromBytes(pub)
}

// Verify checks a signature made by the holder of pub
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// encodeTag encodes the first 32 bits of a name as two proquints joined by '-'
func encodeTag(name xorname.Name) string {
	const consonants = "bdfghjklmnprstvz"
	const vowels = "aiou"

	value := uint32(name[0])<<24 | uint32(name[1])<<16 | uint32(name[2])<<8 | uint32(name[3])

	encodeQuint := func(val uint16) string {
		result := make([]byte, 5)
		result[0] = consonants[(val>>12)&0x0F]
		result[1] = vowels[(val>>10)&0x03]
		result[2] = consonants[(val>>6)&0x0F]
		result[3] = vowels[(val>>4)&0x03]
		result[4] = consonants[val&0x0F]
		return string(result)
	}

	return encodeQuint(uint16(value>>16)) + "-" + encodeQuint(uint16(value&0xFFFF))
}

// SaveToFile saves the identity to a JSON file
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	// Write to file with restricted permissions
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile loads an identity from a JSON file
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	if len(identity.SigningPrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file has invalid signing key")
	}

	identity.computeCached()

	return &identity, nil
}

// GenerateUnder creates identities until one is named under prefix. A
// relocated vault uses it to obtain a name in its new section.
func GenerateUnder(prefix xorname.Prefix) (*Identity, error) {
	if prefix.Len > constants.MaxRelocationPrefixLen {
		return nil, fmt.Errorf("prefix %s is too long to search for a name (max %d bits)",
			prefix.Display(), constants.MaxRelocationPrefixLen)
	}
	for {
		id, err := GenerateIdentity()
		if err != nil {
			return nil, err
		}
		if prefix.Matches(id.Name()) {
			return id, nil
		}
	}
}

// LoadOrGenerate loads the identity at filename, creating and saving a fresh
// one if the file does not exist
func LoadOrGenerate(filename string) (*Identity, bool, error) {
	if _, err := os.Stat(filename); err == nil {
		id, err := LoadFromFile(filename)
		return id, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to stat identity file: %w", err)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := id.SaveToFile(filename); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
