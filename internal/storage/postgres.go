package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/talerforge/merchant/internal/amount"
	"github.com/talerforge/merchant/internal/dbpool"
	"github.com/talerforge/merchant/internal/signing"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresStore creates a PostgreSQL-backed store and ensures the
// schema exists.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := dbpool.Open(connectionString)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a store over an existing connection
// pool shared with other components.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contract_terms (
			merchant_pub TEXT NOT NULL,
			order_id TEXT NOT NULL,
			terms JSONB NOT NULL,
			h_contract_terms TEXT NOT NULL,
			paid BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (merchant_pub, order_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS contract_terms_by_hash
			ON contract_terms (merchant_pub, h_contract_terms)`,
		`CREATE TABLE IF NOT EXISTS deposits (
			deposit_serial BIGSERIAL,
			h_contract_terms TEXT NOT NULL,
			merchant_pub TEXT NOT NULL,
			coin_pub TEXT NOT NULL,
			exchange_url TEXT NOT NULL,
			amount_with_fee TEXT NOT NULL,
			deposit_fee TEXT NOT NULL,
			refund_fee TEXT NOT NULL,
			wire_fee TEXT NOT NULL,
			signing_pub TEXT NOT NULL,
			exchange_proof JSONB,
			PRIMARY KEY (h_contract_terms, coin_pub)
		)`,
		`CREATE TABLE IF NOT EXISTS refunds (
			h_contract_terms TEXT NOT NULL,
			merchant_pub TEXT NOT NULL,
			coin_pub TEXT NOT NULL,
			rtransaction_id BIGINT NOT NULL,
			reason TEXT NOT NULL,
			refund_amount TEXT NOT NULL,
			refund_fee TEXT NOT NULL,
			PRIMARY KEY (h_contract_terms, coin_pub, rtransaction_id)
		)`,
		`CREATE TABLE IF NOT EXISTS refund_proofs (
			h_contract_terms TEXT NOT NULL,
			merchant_pub TEXT NOT NULL,
			coin_pub TEXT NOT NULL,
			rtransaction_id BIGINT NOT NULL,
			signing_pub TEXT NOT NULL,
			exchange_sig TEXT NOT NULL,
			PRIMARY KEY (h_contract_terms, coin_pub, rtransaction_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_info (
			merchant_pub TEXT NOT NULL,
			session_id TEXT NOT NULL,
			fulfillment_url TEXT NOT NULL,
			order_id TEXT NOT NULL,
			PRIMARY KEY (merchant_pub, session_id, fulfillment_url)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// pgTx wraps *sql.Tx so transaction-scoped operations can be routed
// through the open transaction.
type pgTx struct {
	tx    *sql.Tx
	done  bool
	label string
}

func (t *pgTx) Commit() error {
	t.done = true
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (s *PostgresStore) Begin(ctx context.Context, label string) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", label, err)
	}
	return &pgTx{tx: tx, label: label}, nil
}

// querier abstracts between pool-level and transaction-level execution.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *PostgresStore) inTx(tx Tx) (querier, error) {
	if tx == nil {
		return s.db, nil
	}
	pt, ok := tx.(*pgTx)
	if !ok {
		return nil, fmt.Errorf("storage: foreign transaction handle %T", tx)
	}
	return pt.tx, nil
}

func (s *PostgresStore) InsertContractTerms(ctx context.Context, rec ContractRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contract_terms (merchant_pub, order_id, terms, h_contract_terms, paid)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.MerchantPub, rec.OrderID, string(rec.Terms), rec.HContractTerms.String(), rec.Paid)
	if err != nil {
		return fmt.Errorf("insert contract terms: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindContractTerms(ctx context.Context, merchantPub, orderID string) (ContractRecord, error) {
	return s.scanContract(s.db.QueryRowContext(ctx,
		`SELECT merchant_pub, order_id, terms, h_contract_terms, paid
		 FROM contract_terms WHERE merchant_pub = $1 AND order_id = $2`,
		merchantPub, orderID))
}

func (s *PostgresStore) FindPaidContractTerms(ctx context.Context, merchantPub string, h signing.Hash) (ContractRecord, error) {
	return s.scanContract(s.db.QueryRowContext(ctx,
		`SELECT merchant_pub, order_id, terms, h_contract_terms, paid
		 FROM contract_terms WHERE merchant_pub = $1 AND h_contract_terms = $2 AND paid`,
		merchantPub, h.String()))
}

func (s *PostgresStore) scanContract(row *sql.Row) (ContractRecord, error) {
	var rec ContractRecord
	var terms string
	var hash string
	err := row.Scan(&rec.MerchantPub, &rec.OrderID, &terms, &hash, &rec.Paid)
	if errors.Is(err, sql.ErrNoRows) {
		return ContractRecord{}, ErrNotFound
	}
	if err != nil {
		return ContractRecord{}, fmt.Errorf("scan contract terms: %w", err)
	}
	rec.Terms = json.RawMessage(terms)
	if rec.HContractTerms, err = signing.ParseHash(hash); err != nil {
		return ContractRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) FindPayments(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, cb func(DepositRecord) error) (int, error) {
	q, err := s.inTx(tx)
	if err != nil {
		return 0, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT coin_pub, exchange_url, amount_with_fee, deposit_fee, refund_fee, wire_fee, signing_pub, exchange_proof
		 FROM deposits WHERE h_contract_terms = $1 AND merchant_pub = $2
		 ORDER BY deposit_serial`,
		h.String(), merchantPub)
	if err != nil {
		return 0, fmt.Errorf("find payments: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		rec := DepositRecord{HContractTerms: h, MerchantPub: merchantPub}
		var awf, df, rf, wf string
		var proof sql.NullString
		if err := rows.Scan(&rec.CoinPub, &rec.ExchangeURL, &awf, &df, &rf, &wf, &rec.SigningPub, &proof); err != nil {
			return count, fmt.Errorf("scan deposit: %w", err)
		}
		if rec.AmountWithFee, err = amount.Parse(awf); err != nil {
			return count, err
		}
		if rec.DepositFee, err = amount.Parse(df); err != nil {
			return count, err
		}
		if rec.RefundFee, err = amount.Parse(rf); err != nil {
			return count, err
		}
		if rec.WireFee, err = amount.Parse(wf); err != nil {
			return count, err
		}
		if proof.Valid {
			rec.ExchangeProof = json.RawMessage(proof.String)
		}
		if err := cb(rec); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func (s *PostgresStore) GetRefunds(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, cb func(RefundRecord) error) (int, error) {
	q, err := s.inTx(tx)
	if err != nil {
		return 0, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT coin_pub, rtransaction_id, reason, refund_amount, refund_fee
		 FROM refunds WHERE h_contract_terms = $1 AND merchant_pub = $2
		 ORDER BY coin_pub, rtransaction_id`,
		h.String(), merchantPub)
	if err != nil {
		return 0, fmt.Errorf("get refunds: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		rec := RefundRecord{HContractTerms: h, MerchantPub: merchantPub}
		var ra, rf string
		if err := rows.Scan(&rec.CoinPub, &rec.RTransactionID, &rec.Reason, &ra, &rf); err != nil {
			return count, fmt.Errorf("scan refund: %w", err)
		}
		if rec.RefundAmount, err = amount.Parse(ra); err != nil {
			return count, err
		}
		if rec.RefundFee, err = amount.Parse(rf); err != nil {
			return count, err
		}
		if err := cb(rec); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func (s *PostgresStore) StoreDeposit(ctx context.Context, rec DepositRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deposits (h_contract_terms, merchant_pub, coin_pub, exchange_url,
			amount_with_fee, deposit_fee, refund_fee, wire_fee, signing_pub, exchange_proof)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (h_contract_terms, coin_pub) DO NOTHING`,
		rec.HContractTerms.String(), rec.MerchantPub, rec.CoinPub, rec.ExchangeURL,
		rec.AmountWithFee.String(), rec.DepositFee.String(), rec.RefundFee.String(),
		rec.WireFee.String(), rec.SigningPub, nullableJSON(rec.ExchangeProof))
	if err != nil {
		return fmt.Errorf("store deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store deposit: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Replay: a row already exists for this coin. Identical amount means
	// an idempotent retry; anything else is a conflicting respend.
	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT amount_with_fee FROM deposits WHERE h_contract_terms = $1 AND coin_pub = $2`,
		rec.HContractTerms.String(), rec.CoinPub).Scan(&existing)
	if err != nil {
		return fmt.Errorf("store deposit recheck: %w", err)
	}
	if existing != rec.AmountWithFee.String() {
		return ErrDepositConflict
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *PostgresStore) MarkProposalPaid(ctx context.Context, tx Tx, merchantPub string, h signing.Hash) error {
	q, err := s.inTx(tx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE contract_terms SET paid = TRUE WHERE merchant_pub = $1 AND h_contract_terms = $2`,
		merchantPub, h.String())
	if err != nil {
		return fmt.Errorf("mark proposal paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark proposal paid: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertSessionInfo(ctx context.Context, tx Tx, merchantPub, sessionID, fulfillmentURL, orderID string) error {
	q, err := s.inTx(tx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO session_info (merchant_pub, session_id, fulfillment_url, order_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (merchant_pub, session_id, fulfillment_url)
		 DO UPDATE SET order_id = EXCLUDED.order_id`,
		merchantPub, sessionID, fulfillmentURL, orderID)
	if err != nil {
		return fmt.Errorf("insert session info: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSessionInfo(ctx context.Context, merchantPub, sessionID, fulfillmentURL string) (string, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id FROM session_info
		 WHERE merchant_pub = $1 AND session_id = $2 AND fulfillment_url = $3`,
		merchantPub, sessionID, fulfillmentURL).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find session info: %w", err)
	}
	return orderID, nil
}

func (s *PostgresStore) IncreaseRefund(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, newTotal amount.Amount, reason string) (QueryStatus, error) {
	var deposits []DepositRecord
	n, err := s.FindPayments(ctx, tx, merchantPub, h, func(rec DepositRecord) error {
		deposits = append(deposits, rec)
		return nil
	})
	if err != nil {
		return HardError, err
	}
	if n == 0 {
		return NoResults, nil
	}

	plan, status, err := planRefundIncrease(deposits, func(cb func(RefundRecord) error) error {
		_, err := s.GetRefunds(ctx, tx, merchantPub, h, cb)
		return err
	}, newTotal)
	if err != nil || status != OneResult {
		return status, err
	}

	q, qerr := s.inTx(tx)
	if qerr != nil {
		return HardError, qerr
	}
	for _, r := range plan {
		_, err := q.ExecContext(ctx,
			`INSERT INTO refunds (h_contract_terms, merchant_pub, coin_pub, rtransaction_id, reason, refund_amount, refund_fee)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			h.String(), merchantPub, r.CoinPub, r.RTransactionID, reason,
			r.RefundAmount.String(), r.RefundFee.String())
		if err != nil {
			return HardError, fmt.Errorf("insert refund: %w", err)
		}
	}
	return OneResult, nil
}

func (s *PostgresStore) PutRefundProof(ctx context.Context, proof RefundProof) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refund_proofs (h_contract_terms, merchant_pub, coin_pub, rtransaction_id, signing_pub, exchange_sig)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (h_contract_terms, coin_pub, rtransaction_id) DO NOTHING`,
		proof.HContractTerms.String(), proof.MerchantPub, proof.CoinPub,
		proof.RTransactionID, proof.SigningPub, proof.ExchangeSig)
	if err != nil {
		return fmt.Errorf("put refund proof: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRefundProof(ctx context.Context, merchantPub string, h signing.Hash, coinPub string, rtransactionID uint64) (RefundProof, error) {
	proof := RefundProof{
		HContractTerms: h,
		MerchantPub:    merchantPub,
		CoinPub:        coinPub,
		RTransactionID: rtransactionID,
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT signing_pub, exchange_sig FROM refund_proofs
		 WHERE h_contract_terms = $1 AND merchant_pub = $2 AND coin_pub = $3 AND rtransaction_id = $4`,
		h.String(), merchantPub, coinPub, rtransactionID).Scan(&proof.SigningPub, &proof.ExchangeSig)
	if errors.Is(err, sql.ErrNoRows) {
		return RefundProof{}, ErrNotFound
	}
	if err != nil {
		return RefundProof{}, fmt.Errorf("get refund proof: %w", err)
	}
	return proof, nil
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
