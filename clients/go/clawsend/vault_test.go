package clawsend

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/clawsend/internal/crypto"
	"github.com/openclaw/clawsend/internal/envelope"
)

func TestCreateAndLoadVault(t *testing.T) {
	dir := t.TempDir()

	v, err := CreateVault(dir, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(v.VaultID, "vault_") {
		t.Fatalf("vault id %q", v.VaultID)
	}
	if v.Alias != "alice" {
		t.Fatalf("alias %q", v.Alias)
	}

	// A second create on the same directory must refuse.
	if _, err := CreateVault(dir, "other"); !errors.Is(err, ErrVaultExists) {
		t.Fatalf("err = %v, want ErrVaultExists", err)
	}

	loaded, err := LoadVault(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.VaultID != v.VaultID {
		t.Fatalf("loaded %s, created %s", loaded.VaultID, v.VaultID)
	}
	if loaded.SigningPublicKey() != v.SigningPublicKey() {
		t.Fatal("signing key changed across reload")
	}
	if loaded.EncryptionPublicKey() != v.EncryptionPublicKey() {
		t.Fatal("encryption key changed across reload")
	}
}

func TestLoadVaultMissing(t *testing.T) {
	if _, err := LoadVault(t.TempDir()); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("err = %v, want ErrVaultNotFound", err)
	}
}

func TestKeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions on windows")
	}
	dir := t.TempDir()
	if _, err := CreateVault(dir, ""); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"signing_key.bin", "encryption_key.bin"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Fatalf("%s: mode %o, want 0600", name, perm)
		}
	}
}

func TestLoadVaultDetectsIdentityMismatch(t *testing.T) {
	dir := t.TempDir()
	if _, err := CreateVault(dir, ""); err != nil {
		t.Fatal(err)
	}

	// Swap in a different signing seed; the stored vault id no longer
	// derives from the keys on disk.
	_, priv, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signing_key.bin"), priv.Seed(), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadVault(dir); err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("err = %v, want id mismatch", err)
	}
}

func TestContacts(t *testing.T) {
	dir := t.TempDir()
	v, err := CreateVault(dir, "")
	if err != nil {
		t.Fatal(err)
	}

	peerDir := t.TempDir()
	peer, err := CreateVault(peerDir, "bob")
	if err != nil {
		t.Fatal(err)
	}

	c := Contact{
		VaultID:             peer.VaultID,
		Alias:               "bob",
		SigningPublicKey:    peer.SigningPublicKey(),
		EncryptionPublicKey: peer.EncryptionPublicKey(),
	}
	if err := v.AddContact(c); err != nil {
		t.Fatal(err)
	}

	// Lookup by id and by alias.
	if got, ok := v.Contact(peer.VaultID); !ok || got.Alias != "bob" {
		t.Fatalf("by id: %+v ok=%v", got, ok)
	}
	if got, ok := v.Contact("bob"); !ok || got.VaultID != peer.VaultID {
		t.Fatalf("by alias: %+v ok=%v", got, ok)
	}
	if _, ok := v.Contact("stranger"); ok {
		t.Fatal("unknown ref resolved")
	}

	// Contacts survive a reload.
	reloaded, err := LoadVault(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Contacts()) != 1 {
		t.Fatalf("contacts after reload: %d", len(reloaded.Contacts()))
	}

	if err := v.RemoveContact(peer.VaultID); err != nil {
		t.Fatal(err)
	}
	if _, ok := v.Contact(peer.VaultID); ok {
		t.Fatal("contact still present after remove")
	}
	// Removing twice is a no-op.
	if err := v.RemoveContact(peer.VaultID); err != nil {
		t.Fatal(err)
	}
}

func TestAddContactRejectsBadKeys(t *testing.T) {
	v, err := CreateVault(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	err = v.AddContact(Contact{
		VaultID:             "vault_x",
		SigningPublicKey:    "not-base64!",
		EncryptionPublicKey: v.EncryptionPublicKey(),
	})
	if err == nil {
		t.Fatal("bad signing key accepted")
	}
}

func TestVaultEncryptDecrypt(t *testing.T) {
	alice, err := CreateVault(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := CreateVault(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}

	payload, err := alice.EncryptFor(bob.EncryptionPublicKey(), []byte(`{"secret":"yes"}`))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := bob.Decrypt(payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != `{"secret":"yes"}` {
		t.Fatalf("plaintext %q", plain)
	}

	// Alice cannot decrypt what she sealed for Bob.
	if _, err := alice.Decrypt(payload); err == nil {
		t.Fatal("sender decrypted recipient-bound payload")
	}
}

func TestRegistrations(t *testing.T) {
	dir := t.TempDir()
	v, err := CreateVault(dir, "")
	if err != nil {
		t.Fatal(err)
	}

	if v.RegisteredOn("https://relay.example") {
		t.Fatal("registered before registration")
	}
	if err := v.RecordRegistration("https://relay.example", "alice"); err != nil {
		t.Fatal(err)
	}
	if !v.RegisteredOn("https://relay.example") {
		t.Fatal("registration not recorded")
	}

	reloaded, err := LoadVault(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.RegisteredOn("https://relay.example") {
		t.Fatal("registration lost on reload")
	}
	if reloaded.Alias != "alice" {
		t.Fatalf("alias %q after registration", reloaded.Alias)
	}
}

func TestQuarantineUnknownFlag(t *testing.T) {
	dir := t.TempDir()
	v, err := CreateVault(dir, "")
	if err != nil {
		t.Fatal(err)
	}

	// Quarantine is the default posture.
	if !v.QuarantineUnknown() {
		t.Fatal("new vault does not quarantine unknown senders")
	}

	if err := v.SetQuarantineUnknown(false); err != nil {
		t.Fatal(err)
	}
	if v.QuarantineUnknown() {
		t.Fatal("flag not cleared")
	}

	reloaded, err := LoadVault(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.QuarantineUnknown() {
		t.Fatal("flag lost on reload")
	}
}

func TestHistoryAndQuarantineListing(t *testing.T) {
	v, err := CreateVault(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}

	for i, peer := range []string{"vault_one", "vault_two", "vault_three"} {
		msg, err := envelope.NewRequest(v.VaultID, peer, envelope.IntentPing, map[string]int{"n": i}, 60)
		if err != nil {
			t.Fatal(err)
		}
		canonical, _ := msg.Encode()
		signed := &envelope.Signed{Message: *msg, Signature: v.Sign(canonical)}
		if err := v.RecordHistory("sent", peer, signed); err != nil {
			t.Fatal(err)
		}
		// ULID names have millisecond precision; keep entries ordered.
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := v.History(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("history entries: %d", len(entries))
	}
	if entries[0].Peer != "vault_three" || entries[2].Peer != "vault_one" {
		t.Fatalf("not newest-first: %s .. %s", entries[0].Peer, entries[2].Peer)
	}

	limited, err := v.History(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Peer != "vault_three" {
		t.Fatalf("limit: %+v", limited)
	}

	_ = v.Quarantine("vault_mallory", "unknown sender", []byte(`{"a":1}`))
	time.Sleep(2 * time.Millisecond)
	_ = v.Quarantine("vault_mallory", "bad signature", []byte(`{"b":2}`))

	held, err := v.QuarantineEntries(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 2 {
		t.Fatalf("quarantine entries: %d", len(held))
	}
	if held[0].Reason != "bad signature" || held[1].Reason != "unknown sender" {
		t.Fatalf("not newest-first: %s, %s", held[0].Reason, held[1].Reason)
	}
}

func TestHistoryAndQuarantine(t *testing.T) {
	v, err := CreateVault(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}

	msg, err := envelope.NewRequest(v.VaultID, "vault_peer", envelope.IntentPing, nil, 60)
	if err != nil {
		t.Fatal(err)
	}
	canonical, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	signed := &envelope.Signed{Message: *msg, Signature: v.Sign(canonical)}

	if err := v.RecordHistory("sent", "vault_peer", signed); err != nil {
		t.Fatal(err)
	}
	if err := v.RecordHistory("received", "vault_peer", signed); err != nil {
		t.Fatal(err)
	}
	if n, _ := v.HistoryCount(); n != 2 {
		t.Fatalf("history count %d", n)
	}

	if err := v.Quarantine("vault_mallory", "unknown sender", []byte(`{"junk":true}`)); err != nil {
		t.Fatal(err)
	}
	if n, _ := v.QuarantineCount(); n != 1 {
		t.Fatalf("quarantine count %d", n)
	}
	if n, _ := v.HistoryCount(); n != 2 {
		t.Fatal("quarantine leaked into history")
	}
}
