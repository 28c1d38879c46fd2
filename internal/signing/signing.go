package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/talerforge/merchant/internal/amount"
)

// Signature purposes. Every signed structure is framed with a purpose
// header so a signature made for one context can never be replayed in
// another. Values are fixed by the wire protocol.
const (
	PurposeMerchantPaymentOK uint32 = 1104
	PurposeMerchantRefund    uint32 = 1102
)

// HashSize is the size of contract-terms hashes.
const HashSize = sha512.Size

// Hash is a contract-terms hash.
type Hash [HashSize]byte

// String renders the hash in unpadded base64 (URL-safe), the encoding
// used in JSON replies.
func (h Hash) String() string {
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// ParseHash decodes the base64 string form of a hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("signing: decode hash: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("signing: hash must be %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// MarshalJSON renders the hash as its base64 JSON string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON parses the base64 JSON string form.
func (h *Hash) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("signing: hash must be a JSON string")
	}
	parsed, err := ParseHash(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// purposeFrame prepends the {size, purpose} big-endian header that scopes
// a payload to one signature purpose.
func purposeFrame(purpose uint32, payload []byte) []byte {
	buf := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], purpose)
	return append(buf, payload...)
}

// Sign signs a purpose-framed payload with the merchant private key.
func Sign(priv ed25519.PrivateKey, purpose uint32, payload []byte) []byte {
	return ed25519.Sign(priv, purposeFrame(purpose, payload))
}

// Verify checks a purpose-framed signature.
func Verify(pub ed25519.PublicKey, purpose uint32, payload, sig []byte) bool {
	return ed25519.Verify(pub, purposeFrame(purpose, payload), sig)
}

// PaymentResponsePS builds the signing payload confirming a completed
// payment: just the contract-terms hash under PurposeMerchantPaymentOK.
func PaymentResponsePS(h Hash) []byte {
	return h[:]
}

// RefundRequestPS builds the signing payload of one refund permission.
// Layout: h_contract_terms, coin_pub, merchant_pub, rtransaction_id
// (u64 BE), refund_amount (NBO), refund_fee (NBO).
func RefundRequestPS(h Hash, coinPub ed25519.PublicKey, merchantPub ed25519.PublicKey, rtransactionID uint64, refundAmount, refundFee amount.Amount) []byte {
	var buf bytes.Buffer
	buf.Write(h[:])
	buf.Write(coinPub)
	buf.Write(merchantPub)
	var rtid [8]byte
	binary.BigEndian.PutUint64(rtid[:], rtransactionID)
	buf.Write(rtid[:])
	buf.Write(refundAmount.NBO())
	buf.Write(refundFee.NBO())
	return buf.Bytes()
}
