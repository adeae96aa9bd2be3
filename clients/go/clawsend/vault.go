// Package clawsend provides the agent-side vault and relay client for
// the ClawSend secure messaging protocol.
package clawsend

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openclaw/clawsend/internal/crypto"
	"github.com/openclaw/clawsend/internal/envelope"
)

// Vault file layout. Key files are raw bytes, everything else is JSON.
const (
	identityFile      = "identity.json"
	signingKeyFile    = "signing_key.bin"
	encryptionKeyFile = "encryption_key.bin"
	contactsFileName  = "contacts.json"
	historyDir        = "history"
	quarantineDir     = "quarantine"
)

var (
	ErrVaultExists   = errors.New("vault already exists")
	ErrVaultNotFound = errors.New("vault not found")
	ErrUnknownSender = errors.New("sender is not a trusted contact")
)

// Contact is a trusted peer in the vault's allow-list.
type Contact struct {
	VaultID             string `json:"vault_id"`
	Alias               string `json:"alias,omitempty"`
	SigningPublicKey    string `json:"signing_public_key"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	AddedAt             string `json:"added_at"`
}

// contactsFile is the on-disk shape of contacts.json. The quarantine
// flag lives with the allow-list it guards.
type contactsFile struct {
	QuarantineUnknown *bool              `json:"quarantine_unknown,omitempty"`
	Contacts          map[string]Contact `json:"contacts"`
}

// Registration is the vault's record of being registered on one relay.
type Registration struct {
	RelayURL     string `json:"relay_url"`
	Alias        string `json:"alias,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// identity is the persisted public half of a vault.
type identity struct {
	VaultID             string                  `json:"vault_id"`
	Alias               string                  `json:"alias,omitempty"`
	SigningPublicKey    string                  `json:"signing_public_key"`
	EncryptionPublicKey string                  `json:"encryption_public_key"`
	CreatedAt           string                  `json:"created_at"`
	Registrations       map[string]Registration `json:"registrations,omitempty"`
}

// Vault is an agent's private keystore and message archive. A vault is
// exclusively owned by one agent; its private keys never leave the
// directory.
type Vault struct {
	Dir     string
	VaultID string
	Alias   string

	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	encPub      []byte
	encPriv     []byte

	contacts          map[string]Contact
	quarantineUnknown bool
	registrations     map[string]Registration
	createdAt         string
}

// CreateVault generates fresh keypairs and initializes the on-disk
// layout. Fails if the directory already holds a vault.
func CreateVault(dir, alias string) (*Vault, error) {
	if _, err := os.Stat(filepath.Join(dir, identityFile)); err == nil {
		return nil, ErrVaultExists
	}

	signingPub, signingPriv, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}
	encPub, encPriv, err := crypto.GenerateEncryptionKeypair()
	if err != nil {
		return nil, err
	}

	v := &Vault{
		Dir:               dir,
		VaultID:           crypto.DeriveVaultID(signingPub),
		Alias:             alias,
		signingPub:        signingPub,
		signingPriv:       signingPriv,
		encPub:            encPub,
		encPriv:           encPriv,
		contacts:          make(map[string]Contact),
		quarantineUnknown: true,
		registrations:     make(map[string]Registration),
		createdAt:         time.Now().UTC().Format(time.RFC3339),
	}

	for _, sub := range []string{historyDir, quarantineDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, err
		}
	}

	// Private key material is written 0600; the directory itself 0700.
	if err := os.WriteFile(filepath.Join(dir, signingKeyFile), signingPriv.Seed(), 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, encryptionKeyFile), encPriv, 0600); err != nil {
		return nil, err
	}
	if err := v.saveIdentity(); err != nil {
		return nil, err
	}
	if err := v.saveContacts(); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadVault opens an existing vault directory.
func LoadVault(dir string) (*Vault, error) {
	data, err := os.ReadFile(filepath.Join(dir, identityFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	var id identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity file: %w", err)
	}

	seed, err := os.ReadFile(filepath.Join(dir, signingKeyFile))
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("corrupt signing key: %d bytes", len(seed))
	}
	encPriv, err := os.ReadFile(filepath.Join(dir, encryptionKeyFile))
	if err != nil {
		return nil, err
	}
	if len(encPriv) != 32 {
		return nil, fmt.Errorf("corrupt encryption key: %d bytes", len(encPriv))
	}

	signingPriv := ed25519.NewKeyFromSeed(seed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	// The id on disk must match the keys on disk.
	if derived := crypto.DeriveVaultID(signingPub); derived != id.VaultID {
		return nil, fmt.Errorf("vault id mismatch: identity says %s, keys derive %s", id.VaultID, derived)
	}

	encPub, err := crypto.FromB64(id.EncryptionPublicKey)
	if err != nil || len(encPub) != 32 {
		return nil, errors.New("corrupt encryption public key")
	}

	v := &Vault{
		Dir:               dir,
		VaultID:           id.VaultID,
		Alias:             id.Alias,
		signingPub:        signingPub,
		signingPriv:       signingPriv,
		encPub:            encPub,
		encPriv:           encPriv,
		contacts:          make(map[string]Contact),
		quarantineUnknown: true,
		registrations:     id.Registrations,
		createdAt:         id.CreatedAt,
	}
	if v.registrations == nil {
		v.registrations = make(map[string]Registration)
	}

	if err := v.loadContacts(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) saveIdentity() error {
	id := identity{
		VaultID:             v.VaultID,
		Alias:               v.Alias,
		SigningPublicKey:    crypto.ToB64(v.signingPub),
		EncryptionPublicKey: crypto.ToB64(v.encPub),
		CreatedAt:           v.createdAt,
		Registrations:       v.registrations,
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(v.Dir, identityFile), data, 0600)
}

func (v *Vault) loadContacts() error {
	data, err := os.ReadFile(filepath.Join(v.Dir, contactsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var cf contactsFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return err
	}
	if cf.Contacts != nil {
		v.contacts = cf.Contacts
	}
	// Absent flag means quarantine stays on.
	if cf.QuarantineUnknown != nil {
		v.quarantineUnknown = *cf.QuarantineUnknown
	}
	return nil
}

func (v *Vault) saveContacts() error {
	flag := v.quarantineUnknown
	data, err := json.MarshalIndent(contactsFile{
		QuarantineUnknown: &flag,
		Contacts:          v.contacts,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(v.Dir, contactsFileName), data, 0600)
}

// SigningPublicKey returns the base64 signing public key.
func (v *Vault) SigningPublicKey() string {
	return crypto.ToB64(v.signingPub)
}

// EncryptionPublicKey returns the base64 encryption public key.
func (v *Vault) EncryptionPublicKey() string {
	return crypto.ToB64(v.encPub)
}

// Sign signs arbitrary bytes with the vault's signing key.
func (v *Vault) Sign(data []byte) string {
	return crypto.Sign(v.signingPriv, data)
}

// SignChallenge signs a registration challenge.
func (v *Vault) SignChallenge(challenge string) string {
	return crypto.SignChallenge(v.signingPriv, challenge)
}

// EncryptFor encrypts plaintext for a recipient's encryption public key.
func (v *Vault) EncryptFor(recipientEncryptionKeyB64 string, plaintext []byte) (*crypto.EncryptedPayload, error) {
	pub, err := crypto.ValidateEncryptionKey(recipientEncryptionKeyB64)
	if err != nil {
		return nil, err
	}
	return crypto.Encrypt(pub, plaintext)
}

// Decrypt decrypts a payload addressed to this vault.
func (v *Vault) Decrypt(payload *crypto.EncryptedPayload) ([]byte, error) {
	return crypto.Decrypt(v.encPriv, payload)
}

// AddContact adds or updates an entry in the allow-list.
func (v *Vault) AddContact(c Contact) error {
	if c.VaultID == "" {
		return errors.New("contact vault_id is required")
	}
	if _, err := crypto.ValidateSigningKey(c.SigningPublicKey); err != nil {
		return fmt.Errorf("contact signing key: %w", err)
	}
	if _, err := crypto.ValidateEncryptionKey(c.EncryptionPublicKey); err != nil {
		return fmt.Errorf("contact encryption key: %w", err)
	}
	if c.AddedAt == "" {
		c.AddedAt = time.Now().UTC().Format(time.RFC3339)
	}
	v.contacts[c.VaultID] = c
	return v.saveContacts()
}

// RemoveContact drops a contact from the allow-list.
func (v *Vault) RemoveContact(vaultID string) error {
	if _, ok := v.contacts[vaultID]; !ok {
		return nil
	}
	delete(v.contacts, vaultID)
	return v.saveContacts()
}

// Contact looks up a contact by vault id or alias.
func (v *Vault) Contact(ref string) (Contact, bool) {
	if c, ok := v.contacts[ref]; ok {
		return c, true
	}
	for _, c := range v.contacts {
		if c.Alias != "" && c.Alias == ref {
			return c, true
		}
	}
	return Contact{}, false
}

// Contacts returns the full allow-list.
func (v *Vault) Contacts() []Contact {
	out := make([]Contact, 0, len(v.contacts))
	for _, c := range v.contacts {
		out = append(out, c)
	}
	return out
}

// QuarantineUnknown reports whether messages from senders outside the
// contact list are quarantined instead of delivered.
func (v *Vault) QuarantineUnknown() bool {
	return v.quarantineUnknown
}

// SetQuarantineUnknown toggles quarantine routing for unknown senders.
// Off means unknown senders are verified against the relay directory
// and delivered untrusted.
func (v *Vault) SetQuarantineUnknown(on bool) error {
	v.quarantineUnknown = on
	return v.saveContacts()
}

// RecordRegistration remembers that this vault registered on a relay.
func (v *Vault) RecordRegistration(relayURL, alias string) error {
	v.registrations[relayURL] = Registration{
		RelayURL:     relayURL,
		Alias:        alias,
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	}
	if alias != "" {
		v.Alias = alias
	}
	return v.saveIdentity()
}

// RegisteredOn reports whether the vault is registered on a relay.
func (v *Vault) RegisteredOn(relayURL string) bool {
	_, ok := v.registrations[relayURL]
	return ok
}

// HistoryEntry is one archived message plus routing metadata.
type HistoryEntry struct {
	Direction  string          `json:"direction"` // "sent" or "received"
	Peer       string          `json:"peer"`
	RecordedAt string          `json:"recorded_at"`
	Message    json.RawMessage `json:"message"`
}

func (v *Vault) writeRecord(dir string, rec any) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	name := ulid.Make().String() + ".json"
	path := filepath.Join(v.Dir, dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return name, nil
}

// RecordHistory archives a sent or received message. The vault's local
// history is the durable record; the relay queue is not.
func (v *Vault) RecordHistory(direction, peer string, signed *envelope.Signed) error {
	raw, err := json.Marshal(signed)
	if err != nil {
		return err
	}
	_, err = v.writeRecord(historyDir, HistoryEntry{
		Direction:  direction,
		Peer:       peer,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
		Message:    raw,
	})
	return err
}

// QuarantineEntry preserves a message from an untrusted sender for
// later review. Quarantine is a routing decision, not an error.
type QuarantineEntry struct {
	Reason     string          `json:"reason"`
	Sender     string          `json:"sender"`
	RecordedAt string          `json:"recorded_at"`
	Message    json.RawMessage `json:"message"`
}

// Quarantine stores a raw wire message from an unknown or unverifiable
// sender.
func (v *Vault) Quarantine(sender, reason string, raw []byte) error {
	_, err := v.writeRecord(quarantineDir, QuarantineEntry{
		Reason:     reason,
		Sender:     sender,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
		Message:    json.RawMessage(raw),
	})
	return err
}

// readRecords loads up to limit record files from a vault subdirectory,
// newest first. ULID filenames sort chronologically.
func (v *Vault) readRecords(dir string, limit int) ([][]byte, error) {
	entries, err := os.ReadDir(filepath.Join(v.Dir, dir))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	out := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(v.Dir, dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// History returns archived messages, newest first. limit <= 0 means all.
func (v *Vault) History(limit int) ([]HistoryEntry, error) {
	raws, err := v.readRecords(historyDir, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e HistoryEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("corrupt history record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// QuarantineEntries returns quarantined messages, newest first.
// limit <= 0 means all.
func (v *Vault) QuarantineEntries(limit int) ([]QuarantineEntry, error) {
	raws, err := v.readRecords(quarantineDir, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]QuarantineEntry, 0, len(raws))
	for _, raw := range raws {
		var e QuarantineEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("corrupt quarantine record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// QuarantineCount returns how many messages are held in quarantine.
func (v *Vault) QuarantineCount() (int, error) {
	entries, err := os.ReadDir(filepath.Join(v.Dir, quarantineDir))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}

// HistoryCount returns how many messages the vault has archived.
func (v *Vault) HistoryCount() (int, error) {
	entries, err := os.ReadDir(filepath.Join(v.Dir, historyDir))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}
