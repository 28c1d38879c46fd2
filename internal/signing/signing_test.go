package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/talerforge/merchant/internal/amount"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestSignVerify(t *testing.T) {
	pub, priv := testKey(t)
	payload := []byte("payload")

	sig := Sign(priv, PurposeMerchantPaymentOK, payload)
	if !Verify(pub, PurposeMerchantPaymentOK, payload, sig) {
		t.Error("signature did not verify under its own purpose")
	}
	if Verify(pub, PurposeMerchantRefund, payload, sig) {
		t.Error("signature verified under a different purpose")
	}
	if Verify(pub, PurposeMerchantPaymentOK, []byte("other"), sig) {
		t.Error("signature verified over a different payload")
	}

	otherPub, _ := testKey(t)
	if Verify(otherPub, PurposeMerchantPaymentOK, payload, sig) {
		t.Error("signature verified under a different key")
	}
}

func TestPurposeFrame(t *testing.T) {
	payload := []byte{0xAA, 0xBB}
	frame := purposeFrame(PurposeMerchantRefund, payload)
	if len(frame) != 10 {
		t.Fatalf("frame length = %d, want 10", len(frame))
	}
	if size := binary.BigEndian.Uint32(frame[0:4]); size != 10 {
		t.Errorf("frame size field = %d, want 10", size)
	}
	if purpose := binary.BigEndian.Uint32(frame[4:8]); purpose != PurposeMerchantRefund {
		t.Errorf("frame purpose field = %d, want %d", purpose, PurposeMerchantRefund)
	}
	if !bytes.Equal(frame[8:], payload) {
		t.Errorf("frame payload = %x, want %x", frame[8:], payload)
	}
}

func TestHashContractTermsStableAcrossKeyOrder(t *testing.T) {
	a := json.RawMessage(docA)
	b := json.RawMessage(docB)

	ha, err := HashContractTerms(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := HashContractTerms(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Error("hash differs for equivalent documents with different key order")
	}
}

const (
	docA = `{"amount":"EUR:10.00","order_id":"2026.01-ABC","nested":{"x":1,"y":[true,null]}}`
	docB = `{
		"nested": {"y": [true, null], "x": 1},
		"order_id": "2026.01-ABC",
		"amount": "EUR:10.00"
	}`
)

func TestHashContractTermsNumberForms(t *testing.T) {
	h1, err := HashContractTerms(json.RawMessage(`{"n":10}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashContractTerms(json.RawMessage(`{"n":10.0}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h3, err := HashContractTerms(json.RawMessage(`{"n":1e1}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 || h1 != h3 {
		t.Error("integer-valued numbers in different notations hash differently")
	}

	h4, err := HashContractTerms(json.RawMessage(`{"n":10.5}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h4 == h1 {
		t.Error("distinct numbers hash identically")
	}
}

func TestHashContractTermsSensitivity(t *testing.T) {
	base := json.RawMessage(`{"amount":"EUR:10.00","order_id":"x"}`)
	changed := json.RawMessage(`{"amount":"EUR:10.01","order_id":"x"}`)

	hb, err := HashContractTerms(base)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hc, err := HashContractTerms(changed)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hb == hc {
		t.Error("documents with different values hash identically")
	}
}

func TestHashContractTermsInvalid(t *testing.T) {
	if _, err := HashContractTerms(json.RawMessage(`{"broken":`)); err == nil {
		t.Error("expected error hashing malformed JSON")
	}
}

func TestHashStringRoundTrip(t *testing.T) {
	h, err := HashContractTerms(json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	back, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back != h {
		t.Error("hash round trip through base64 changed the value")
	}
}

func TestParseHashErrors(t *testing.T) {
	if _, err := ParseHash("!!not-base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := ParseHash("c2hvcnQ"); err == nil {
		t.Error("expected error for wrong length")
	}
}

func TestHashJSON(t *testing.T) {
	h, err := HashContractTerms(json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Hash
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != h {
		t.Error("hash JSON round trip changed the value")
	}
	if err := json.Unmarshal([]byte(`123`), &back); err == nil {
		t.Error("expected error unmarshaling a non-string hash")
	}
}

func TestRefundRequestPSLayout(t *testing.T) {
	var h Hash
	for i := range h {
		h[i] = byte(i)
	}
	coinPub, _ := testKey(t)
	merchantPub, _ := testKey(t)
	refund := amount.MustParse("EUR:2.50")
	fee := amount.MustParse("EUR:0.01")

	ps := RefundRequestPS(h, coinPub, merchantPub, 7, refund, fee)

	wantLen := HashSize + ed25519.PublicKeySize*2 + 8 + 24 + 24
	if len(ps) != wantLen {
		t.Fatalf("payload length = %d, want %d", len(ps), wantLen)
	}
	off := 0
	if !bytes.Equal(ps[off:off+HashSize], h[:]) {
		t.Error("payload does not start with the contract hash")
	}
	off += HashSize
	if !bytes.Equal(ps[off:off+ed25519.PublicKeySize], coinPub) {
		t.Error("coin public key misplaced")
	}
	off += ed25519.PublicKeySize
	if !bytes.Equal(ps[off:off+ed25519.PublicKeySize], merchantPub) {
		t.Error("merchant public key misplaced")
	}
	off += ed25519.PublicKeySize
	if rtid := binary.BigEndian.Uint64(ps[off : off+8]); rtid != 7 {
		t.Errorf("rtransaction id = %d, want 7", rtid)
	}
	off += 8
	if !bytes.Equal(ps[off:off+24], refund.NBO()) {
		t.Error("refund amount misplaced")
	}
	off += 24
	if !bytes.Equal(ps[off:], fee.NBO()) {
		t.Error("refund fee misplaced")
	}

	// Deterministic for identical inputs.
	ps2 := RefundRequestPS(h, coinPub, merchantPub, 7, refund, fee)
	if !bytes.Equal(ps, ps2) {
		t.Error("payload is not deterministic")
	}
}
