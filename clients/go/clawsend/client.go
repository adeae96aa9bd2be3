package clawsend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/openclaw/clawsend/internal/crypto"
	"github.com/openclaw/clawsend/internal/envelope"
)

// Auth header names, matching the relay.
const (
	headerVaultID   = "X-Clawsend-Vault"
	headerSignature = "X-Clawsend-Signature"
)

// encryptedBodyMarker replaces the plaintext body in the signed message
// when the payload travels encrypted. The signature covers the marker;
// the ciphertext blob rides alongside.
var encryptedBodyMarker = json.RawMessage(`{"_encrypted":true}`)

// Client talks to one ClawSend relay on behalf of a vault.
type Client struct {
	BaseURL    string
	Vault      *Vault
	HTTPClient *http.Client
}

// NewClient creates a relay client for a vault.
func NewClient(baseURL string, vault *Vault) *Client {
	return &Client{
		BaseURL:    baseURL,
		Vault:      vault,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request. Signed requests carry the vault id
// and a signature over the canonical body.
func (c *Client) doRequest(method, path string, body []byte, signed bool) ([]byte, error) {
	if signed && len(body) > 0 {
		canonical, err := envelope.CanonicalBytes(body)
		if err != nil {
			return nil, err
		}
		body = canonical
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		req.Header.Set(headerVaultID, c.Vault.VaultID)
		req.Header.Set(headerSignature, c.Vault.Sign(body))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return nil, &RelayError{Status: resp.StatusCode, Message: errResp.Error}
	}
	return respBody, nil
}

// RelayError is a non-2xx response from the relay.
type RelayError struct {
	Status  int
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Status, e.Message)
}

// IsRateLimited reports whether the error is a send-quota rejection.
func (e *RelayError) IsRateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// challengeResponse mirrors the relay's challenge reply.
type challengeResponse struct {
	VaultID   string `json:"vault_id"`
	Challenge string `json:"challenge"`
	ExpiresIn int    `json:"expires_in"`
}

// RegisterResult is the outcome of a completed registration.
type RegisterResult struct {
	VaultID      string `json:"vault_id"`
	Alias        string `json:"alias,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// Register performs the challenge-response handshake and records the
// registration in the vault.
func (c *Client) Register(alias string) (*RegisterResult, error) {
	chReq, _ := json.Marshal(map[string]string{
		"signing_public_key":    c.Vault.SigningPublicKey(),
		"encryption_public_key": c.Vault.EncryptionPublicKey(),
	})
	respBody, err := c.doRequest("POST", "/register/challenge", chReq, false)
	if err != nil {
		return nil, err
	}
	var ch challengeResponse
	if err := json.Unmarshal(respBody, &ch); err != nil {
		return nil, err
	}
	if ch.VaultID != c.Vault.VaultID {
		return nil, fmt.Errorf("relay derived unexpected vault id %s", ch.VaultID)
	}

	regReq, _ := json.Marshal(map[string]string{
		"vault_id":              c.Vault.VaultID,
		"signing_public_key":    c.Vault.SigningPublicKey(),
		"encryption_public_key": c.Vault.EncryptionPublicKey(),
		"signature":             c.Vault.SignChallenge(ch.Challenge),
		"alias":                 alias,
	})
	respBody, err = c.doRequest("POST", "/register", regReq, false)
	if err != nil {
		return nil, err
	}
	var result RegisterResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}

	if err := c.Vault.RecordRegistration(c.BaseURL, result.Alias); err != nil {
		return nil, err
	}
	return &result, nil
}

// AgentInfo is a directory entry from the relay.
type AgentInfo struct {
	VaultID             string `json:"vault_id"`
	Alias               string `json:"alias,omitempty"`
	SigningPublicKey    string `json:"signing_public_key"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	RegisteredAt        string `json:"registered_at"`
	LastSeenAt          string `json:"last_seen_at"`
}

// Agents fetches the relay's public directory.
func (c *Client) Agents(limit int) ([]AgentInfo, error) {
	path := "/agents"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	respBody, err := c.doRequest("GET", path, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// ResolveAlias looks up the vault id behind an alias.
func (c *Client) ResolveAlias(alias string) (string, error) {
	respBody, err := c.doRequest("GET", "/resolve/"+alias, nil, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		VaultID string `json:"vault_id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", err
	}
	return resp.VaultID, nil
}

// SetAlias claims an alias for this vault on the relay.
func (c *Client) SetAlias(alias string) error {
	body, _ := json.Marshal(map[string]string{"alias": alias})
	_, err := c.doRequest("POST", "/alias", body, true)
	if err == nil {
		c.Vault.Alias = alias
		return c.Vault.saveIdentity()
	}
	return err
}

// lookupPeer resolves a vault id or alias to its directory entry,
// preferring the vault's own contact list over the relay.
func (c *Client) lookupPeer(ref string) (*AgentInfo, error) {
	if contact, ok := c.Vault.Contact(ref); ok {
		return &AgentInfo{
			VaultID:             contact.VaultID,
			Alias:               contact.Alias,
			SigningPublicKey:    contact.SigningPublicKey,
			EncryptionPublicKey: contact.EncryptionPublicKey,
		}, nil
	}
	agents, err := c.Agents(0)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if agents[i].VaultID == ref || (agents[i].Alias != "" && agents[i].Alias == ref) {
			return &agents[i], nil
		}
	}
	return nil, fmt.Errorf("peer %s not found", ref)
}

// SendReceipt is the relay's receipt for an accepted message.
type SendReceipt struct {
	MessageID      string `json:"message_id"`
	Recipient      string `json:"recipient"`
	ConversationID string `json:"conversation_id"`
	ExpiresAt      string `json:"expires_at"`
}

// Send signs and submits a message. When encrypt is true the payload
// body is sealed for the recipient before signing; the relay only ever
// sees the ciphertext blob.
func (c *Client) Send(msg *envelope.Message, encrypt bool) (*SendReceipt, error) {
	if msg.Envelope.Sender == "" {
		msg.Envelope.Sender = c.Vault.VaultID
	}
	if msg.Envelope.Sender != c.Vault.VaultID {
		return nil, fmt.Errorf("message sender %s is not this vault", msg.Envelope.Sender)
	}

	signed := envelope.Signed{Message: *msg}

	if encrypt {
		peer, err := c.lookupPeer(msg.Envelope.Recipient)
		if err != nil {
			return nil, err
		}
		sealed, err := c.Vault.EncryptFor(peer.EncryptionPublicKey, signed.Message.Payload.Body)
		if err != nil {
			return nil, err
		}
		signed.Message.Payload.Body = encryptedBodyMarker
		signed.EncryptedPayload = sealed
	}

	canonical, err := signed.Message.Encode()
	if err != nil {
		return nil, err
	}
	signed.Signature = c.Vault.Sign(canonical)

	body, err := json.Marshal(signed)
	if err != nil {
		return nil, err
	}
	respBody, err := c.doRequest("POST", "/send", body, false)
	if err != nil {
		return nil, err
	}

	var receipt SendReceipt
	if err := json.Unmarshal(respBody, &receipt); err != nil {
		return nil, err
	}

	if err := c.Vault.RecordHistory("sent", receipt.Recipient, &signed); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Incoming is one verified (and, when applicable, decrypted) message
// delivered to the vault. Trusted means the sender is in the vault's
// contact list; untrusted messages only arrive when quarantine for
// unknown senders is switched off, verified against the relay
// directory instead.
type Incoming struct {
	Message        *envelope.Message
	Signature      string
	ConversationID string
	Redelivery     bool
	WasEncrypted   bool
	Trusted        bool
}

// receivedMessage mirrors the relay's receive entry.
type receivedMessage struct {
	Message        json.RawMessage `json:"message"`
	ConversationID string          `json:"conversation_id"`
	Redelivery     bool            `json:"redelivery"`
}

// Receive polls the relay, verifies each message against the vault's
// contact list, and decrypts sealed payloads. Messages from unknown
// senders or with bad signatures are quarantined, not returned and not
// fatal: quarantine is a routing decision for the agent to review.
func (c *Client) Receive(limit int) ([]Incoming, error) {
	path := "/receive/" + c.Vault.VaultID
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	respBody, err := c.doRequest("GET", path, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []receivedMessage `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}

	var out []Incoming
	for _, rm := range resp.Messages {
		var signed envelope.Signed
		if err := json.Unmarshal(rm.Message, &signed); err != nil {
			continue
		}
		sender := signed.Message.Envelope.Sender

		contact, trusted := c.Vault.Contact(sender)
		signingKey := contact.SigningPublicKey
		if !trusted {
			if c.Vault.QuarantineUnknown() {
				_ = c.Vault.Quarantine(sender, "unknown sender", rm.Message)
				continue
			}
			// Quarantine is off: take the sender's key from the relay
			// directory and deliver the message untrusted.
			peer, err := c.lookupPeer(sender)
			if err != nil {
				_ = c.Vault.Quarantine(sender, "unknown sender", rm.Message)
				continue
			}
			signingKey = peer.SigningPublicKey
		}

		pub, err := crypto.ValidateSigningKey(signingKey)
		if err != nil {
			_ = c.Vault.Quarantine(sender, "corrupt contact key", rm.Message)
			continue
		}
		canonical, err := signed.Message.Encode()
		if err != nil {
			_ = c.Vault.Quarantine(sender, "malformed message", rm.Message)
			continue
		}
		if err := crypto.Verify(pub, canonical, signed.Signature); err != nil {
			_ = c.Vault.Quarantine(sender, "bad signature", rm.Message)
			continue
		}

		wasEncrypted := false
		if signed.EncryptedPayload != nil {
			plaintext, err := c.Vault.Decrypt(signed.EncryptedPayload)
			if err != nil {
				_ = c.Vault.Quarantine(sender, "decrypt failed", rm.Message)
				continue
			}
			signed.Message.Payload.Body = plaintext
			wasEncrypted = true
		}

		if err := c.Vault.RecordHistory("received", sender, &signed); err != nil {
			return nil, err
		}

		msg := signed.Message
		out = append(out, Incoming{
			Message:        &msg,
			Signature:      signed.Signature,
			ConversationID: rm.ConversationID,
			Redelivery:     rm.Redelivery,
			WasEncrypted:   wasEncrypted,
			Trusted:        trusted,
		})
	}
	return out, nil
}

// Ack marks a message as processed.
func (c *Client) Ack(messageID string) error {
	body, _ := json.Marshal(map[string]string{"message_id": messageID})
	_, err := c.doRequest("POST", "/ack/"+messageID, body, true)
	return err
}

// ConversationSummary mirrors the relay's audit trail entry.
type ConversationSummary struct {
	ConversationID string `json:"conversation_id"`
	AgentA         string `json:"agent_a"`
	AgentB         string `json:"agent_b"`
	StartedAt      string `json:"started_at"`
	LastMessageAt  string `json:"last_message_at"`
	MessageCount   int64  `json:"message_count"`
	Outcome        string `json:"outcome,omitempty"`
}

// Logs lists this vault's conversations on the relay.
func (c *Client) Logs(limit int) ([]ConversationSummary, error) {
	path := "/logs/" + c.Vault.VaultID
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	respBody, err := c.doRequest("GET", path, nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Conversations []ConversationSummary `json:"conversations"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// SetOutcome records how a conversation concluded.
func (c *Client) SetOutcome(conversationID, outcome string) error {
	body, _ := json.Marshal(map[string]string{"outcome": outcome})
	_, err := c.doRequest("POST", "/messages/"+conversationID+"/outcome", body, true)
	return err
}

// Health checks relay liveness.
func (c *Client) Health() error {
	_, err := c.doRequest("GET", "/health", nil, false)
	return err
}
