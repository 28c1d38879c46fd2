package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/talerforge/merchant/internal/amount"
	"github.com/talerforge/merchant/internal/signing"
)

// MemStore is an in-memory Store used by tests and local development.
// Transactions take the store lock for their lifetime and snapshot the
// data for rollback, which trivially satisfies the serializable
// discipline.
type MemStore struct {
	mu   sync.Mutex
	data memData

	// pendingSoftErrors makes the next n commits fail with a soft
	// serialization error, for exercising the retry discipline.
	pendingSoftErrors int
}

type memData struct {
	contracts map[string]ContractRecord // merchantPub+"\x00"+orderID
	deposits  []DepositRecord
	refunds   []RefundRecord
	proofs    map[string]RefundProof // h+coin+rtid
	sessions  map[string]string      // merchantPub+session+fulfillment → orderID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: memData{
		contracts: make(map[string]ContractRecord),
		proofs:    make(map[string]RefundProof),
		sessions:  make(map[string]string),
	}}
}

// InjectSoftErrors makes the next n transaction commits fail softly.
func (s *MemStore) InjectSoftErrors(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSoftErrors = n
}

func contractKey(merchantPub, orderID string) string {
	return merchantPub + "\x00" + orderID
}

func proofKey(h signing.Hash, coinPub string, rtid uint64) string {
	return fmt.Sprintf("%s\x00%s\x00%d", h.String(), coinPub, rtid)
}

func sessionKey(merchantPub, sessionID, fulfillmentURL string) string {
	return merchantPub + "\x00" + sessionID + "\x00" + fulfillmentURL
}

func (d *memData) snapshot() memData {
	cp := memData{
		contracts: make(map[string]ContractRecord, len(d.contracts)),
		deposits:  append([]DepositRecord(nil), d.deposits...),
		refunds:   append([]RefundRecord(nil), d.refunds...),
		proofs:    make(map[string]RefundProof, len(d.proofs)),
		sessions:  make(map[string]string, len(d.sessions)),
	}
	for k, v := range d.contracts {
		cp.contracts[k] = v
	}
	for k, v := range d.proofs {
		cp.proofs[k] = v
	}
	for k, v := range d.sessions {
		cp.sessions[k] = v
	}
	return cp
}

type memTx struct {
	store    *MemStore
	saved    memData
	done     bool
	released bool
}

func (t *memTx) finish() {
	if !t.released {
		t.released = true
		t.store.mu.Unlock()
	}
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("storage: commit on finished transaction")
	}
	t.done = true
	if t.store.pendingSoftErrors > 0 {
		t.store.pendingSoftErrors--
		t.store.data = t.saved
		t.finish()
		return errSoftRetry
	}
	t.finish()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.data = t.saved
	t.finish()
	return nil
}

func (s *MemStore) Begin(ctx context.Context, label string) (Tx, error) {
	s.mu.Lock()
	return &memTx{store: s, saved: s.data.snapshot()}, nil
}

// lockUnless takes the store lock when no transaction holds it already.
func (s *MemStore) lockUnless(tx Tx) func() {
	if tx != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemStore) InsertContractTerms(ctx context.Context, rec ContractRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contractKey(rec.MerchantPub, rec.OrderID)
	if _, exists := s.data.contracts[key]; exists {
		return fmt.Errorf("storage: order %q already exists", rec.OrderID)
	}
	s.data.contracts[key] = rec
	return nil
}

func (s *MemStore) FindContractTerms(ctx context.Context, merchantPub, orderID string) (ContractRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.contracts[contractKey(merchantPub, orderID)]
	if !ok {
		return ContractRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) FindPaidContractTerms(ctx context.Context, merchantPub string, h signing.Hash) (ContractRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPaidLocked(merchantPub, h)
}

func (s *MemStore) findPaidLocked(merchantPub string, h signing.Hash) (ContractRecord, error) {
	for _, rec := range s.data.contracts {
		if rec.MerchantPub == merchantPub && rec.HContractTerms == h && rec.Paid {
			return rec, nil
		}
	}
	return ContractRecord{}, ErrNotFound
}

func (s *MemStore) FindPayments(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, cb func(DepositRecord) error) (int, error) {
	defer s.lockUnless(tx)()
	count := 0
	for _, d := range s.data.deposits {
		if d.MerchantPub == merchantPub && d.HContractTerms == h {
			if err := cb(d); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (s *MemStore) GetRefunds(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, cb func(RefundRecord) error) (int, error) {
	defer s.lockUnless(tx)()
	count := 0
	for _, r := range s.data.refunds {
		if r.MerchantPub == merchantPub && r.HContractTerms == h {
			if err := cb(r); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (s *MemStore) StoreDeposit(ctx context.Context, rec DepositRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.data.deposits {
		if d.HContractTerms == rec.HContractTerms && d.CoinPub == rec.CoinPub {
			if d.AmountWithFee.String() != rec.AmountWithFee.String() {
				return ErrDepositConflict
			}
			return nil
		}
	}
	s.data.deposits = append(s.data.deposits, rec)
	return nil
}

func (s *MemStore) MarkProposalPaid(ctx context.Context, tx Tx, merchantPub string, h signing.Hash) error {
	defer s.lockUnless(tx)()
	for key, rec := range s.data.contracts {
		if rec.MerchantPub == merchantPub && rec.HContractTerms == h {
			rec.Paid = true
			s.data.contracts[key] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) InsertSessionInfo(ctx context.Context, tx Tx, merchantPub, sessionID, fulfillmentURL, orderID string) error {
	defer s.lockUnless(tx)()
	s.data.sessions[sessionKey(merchantPub, sessionID, fulfillmentURL)] = orderID
	return nil
}

func (s *MemStore) FindSessionInfo(ctx context.Context, merchantPub, sessionID, fulfillmentURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.data.sessions[sessionKey(merchantPub, sessionID, fulfillmentURL)]
	if !ok {
		return "", ErrNotFound
	}
	return orderID, nil
}

func (s *MemStore) IncreaseRefund(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, newTotal amount.Amount, reason string) (QueryStatus, error) {
	defer s.lockUnless(tx)()
	var deposits []DepositRecord
	for _, d := range s.data.deposits {
		if d.MerchantPub == merchantPub && d.HContractTerms == h {
			deposits = append(deposits, d)
		}
	}
	if len(deposits) == 0 {
		return NoResults, nil
	}
	plan, status, err := planRefundIncrease(deposits, func(cb func(RefundRecord) error) error {
		for _, r := range s.data.refunds {
			if r.MerchantPub == merchantPub && r.HContractTerms == h {
				if err := cb(r); err != nil {
					return err
				}
			}
		}
		return nil
	}, newTotal)
	if err != nil || status != OneResult {
		return status, err
	}
	for i := range plan {
		plan[i].Reason = reason
	}
	s.data.refunds = append(s.data.refunds, plan...)
	return OneResult, nil
}

func (s *MemStore) PutRefundProof(ctx context.Context, proof RefundProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := proofKey(proof.HContractTerms, proof.CoinPub, proof.RTransactionID)
	if _, exists := s.data.proofs[key]; exists {
		return nil
	}
	s.data.proofs[key] = proof
	return nil
}

func (s *MemStore) GetRefundProof(ctx context.Context, merchantPub string, h signing.Hash, coinPub string, rtransactionID uint64) (RefundProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proof, ok := s.data.proofs[proofKey(h, coinPub, rtransactionID)]
	if !ok {
		return RefundProof{}, ErrNotFound
	}
	return proof, nil
}

func (s *MemStore) Close() error {
	return nil
}
