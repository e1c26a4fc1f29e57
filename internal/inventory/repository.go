package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/measure"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists the ledger in PostgreSQL. Key versions live in
// stock_ledger_keys and are compare-and-set inside the commit transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const entryColumns = `e.id, e.seq, e.item_id, e.warehouse_id, e.batch_key, e.bin_id, e.batch_no, e.serial_no,
e.expiry_date, e.posting_date, e.qty, e.uom, e.rate, e.value_delta, e.currency, e.voucher_type,
e.stock_entry_id, e.voucher_no, e.voucher_line, COALESCE(e.cancels_id, ''),
(e.cancels_id IS NOT NULL OR EXISTS (SELECT 1 FROM stock_ledger_entries r WHERE r.cancels_id = e.id)),
e.created_at`

// LoadKey implements Store.
func (r *Repository) LoadKey(ctx context.Context, key Key) (KeyLog, error) {
	log := KeyLog{Key: key}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		version, err := keyVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		log.Version = version
		rows, err := tx.Query(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries e
WHERE e.item_id = $1 AND e.warehouse_id = $2 AND e.batch_key = $3
ORDER BY e.posting_date, e.seq`, key.ItemID, key.WarehouseID, key.Batch)
		if err != nil {
			return err
		}
		log.Entries, err = collectEntries(rows)
		return err
	})
	if err != nil {
		return KeyLog{}, fmt.Errorf("inventory: load key %s: %w", key, err)
	}
	return log, nil
}

// Version implements Store.
func (r *Repository) Version(ctx context.Context, key Key) (int64, error) {
	return keyVersion(ctx, r.pool, key)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func keyVersion(ctx context.Context, q querier, key Key) (int64, error) {
	var version int64
	err := q.QueryRow(ctx, `SELECT version FROM stock_ledger_keys
WHERE item_id = $1 AND warehouse_id = $2 AND batch_key = $3`, key.ItemID, key.WarehouseID, key.Batch).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inventory: version %s: %w", key, err)
	}
	return version, nil
}

// Apply implements Store.
func (r *Repository) Apply(ctx context.Context, c Commit) ([]LedgerEntry, error) {
	var stored []LedgerEntry
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := writeHeader(ctx, tx, c); err != nil {
			return err
		}
		for _, key := range sortedKeys(c.Versions) {
			if err := bumpKey(ctx, tx, key, c.Versions[key]); err != nil {
				return err
			}
		}
		stored = make([]LedgerEntry, 0, len(c.Entries))
		for _, e := range c.Entries {
			e.Cancelled = e.CancelsID != ""
			if err := insertEntry(ctx, tx, &e); err != nil {
				return err
			}
			stored = append(stored, e)
		}
		return nil
	})
	if err != nil {
		if db.IsRetryable(err) {
			return nil, fmt.Errorf("%w: %v", errVersionConflict, err)
		}
		return nil, err
	}
	return stored, nil
}

func writeHeader(ctx context.Context, tx pgx.Tx, c Commit) error {
	se := c.StockEntry
	if c.ExpectStatus == StatusDraft {
		details, err := json.Marshal(se.Details)
		if err != nil {
			return fmt.Errorf("inventory: encode details: %w", err)
		}
		tag, err := tx.Exec(ctx, `INSERT INTO stock_entries
(id, code, entry_type, posting_date, remarks, details, status, created_at, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`,
			se.ID, se.Code, string(se.Type), se.PostingDate, se.Remarks, details, string(se.Status), se.CreatedAt, timestamptz(se.PostedAt))
		if err != nil {
			return fmt.Errorf("inventory: insert stock entry %s: %w", se.Code, err)
		}
		if tag.RowsAffected() == 0 {
			return errVersionConflict
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `UPDATE stock_entries SET status = $2, cancelled_at = $3
WHERE id = $1 AND status = $4`, se.ID, string(se.Status), timestamptz(se.CancelledAt), string(c.ExpectStatus))
	if err != nil {
		return fmt.Errorf("inventory: update stock entry %s: %w", se.Code, err)
	}
	if tag.RowsAffected() == 0 {
		return errVersionConflict
	}
	return nil
}

func bumpKey(ctx context.Context, tx pgx.Tx, key Key, expected int64) error {
	var (
		sql  string
		args []any
	)
	if expected == 0 {
		sql = `INSERT INTO stock_ledger_keys (item_id, warehouse_id, batch_key, version)
VALUES ($1, $2, $3, 1) ON CONFLICT DO NOTHING`
		args = []any{key.ItemID, key.WarehouseID, key.Batch}
	} else {
		sql = `UPDATE stock_ledger_keys SET version = version + 1
WHERE item_id = $1 AND warehouse_id = $2 AND batch_key = $3 AND version = $4`
		args = []any{key.ItemID, key.WarehouseID, key.Batch, expected}
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("inventory: bump %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return errVersionConflict
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *LedgerEntry) error {
	var cancels pgtype.Text
	if e.CancelsID != "" {
		cancels = pgtype.Text{String: e.CancelsID, Valid: true}
	}
	err := tx.QueryRow(ctx, `INSERT INTO stock_ledger_entries
(id, item_id, warehouse_id, batch_key, bin_id, batch_no, serial_no, expiry_date, posting_date,
 qty, uom, rate, value_delta, currency, voucher_type, stock_entry_id, voucher_no, voucher_line,
 cancels_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
RETURNING seq`,
		e.ID, e.Key.ItemID, e.Key.WarehouseID, e.Key.Batch, e.BinID, e.BatchNo, e.SerialNo, timestamptz(e.ExpiryDate), e.PostingDate,
		e.Qty.Value(), e.Qty.UOM(), e.Rate.Amount(), e.ValueDelta.Amount(), e.ValueDelta.Currency(), string(e.VoucherType),
		e.StockEntryID, e.VoucherNo, e.VoucherLine, cancels, e.CreatedAt,
	).Scan(&e.Sequence)
	if err != nil {
		return fmt.Errorf("inventory: insert entry %s: %w", e.ID, err)
	}
	return nil
}

// StockEntry implements Store.
func (r *Repository) StockEntry(ctx context.Context, id string) (StockEntryRecord, error) {
	var (
		rec       StockEntryRecord
		typ       string
		status    string
		details   []byte
		posted    pgtype.Timestamptz
		cancelled pgtype.Timestamptz
	)
	err := r.pool.QueryRow(ctx, `SELECT id, code, entry_type, posting_date, remarks, details, status,
created_at, posted_at, cancelled_at FROM stock_entries WHERE id = $1`, id).
		Scan(&rec.Entry.ID, &rec.Entry.Code, &typ, &rec.Entry.PostingDate, &rec.Entry.Remarks, &details, &status,
			&rec.Entry.CreatedAt, &posted, &cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockEntryRecord{}, ErrStockEntryNotFound
	}
	if err != nil {
		return StockEntryRecord{}, fmt.Errorf("inventory: get stock entry %s: %w", id, err)
	}
	rec.Entry.Type = StockEntryType(typ)
	rec.Entry.Status = Status(status)
	rec.Entry.PostedAt = timePtr(posted)
	rec.Entry.CancelledAt = timePtr(cancelled)
	if err := json.Unmarshal(details, &rec.Entry.Details); err != nil {
		return StockEntryRecord{}, fmt.Errorf("inventory: decode details %s: %w", id, err)
	}

	rows, err := r.pool.Query(ctx, `SELECT id, cancels_id IS NOT NULL FROM stock_ledger_entries
WHERE stock_entry_id = $1 ORDER BY seq`, id)
	if err != nil {
		return StockEntryRecord{}, fmt.Errorf("inventory: entry ids %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entryID  string
			reversal bool
		)
		if err := rows.Scan(&entryID, &reversal); err != nil {
			return StockEntryRecord{}, err
		}
		if reversal {
			rec.CancelIDs = append(rec.CancelIDs, entryID)
		} else {
			rec.PostedIDs = append(rec.PostedIDs, entryID)
		}
	}
	return rec, rows.Err()
}

// EntriesByID implements Store.
func (r *Repository) EntriesByID(ctx context.Context, ids []string) ([]LedgerEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries e
WHERE e.id = ANY($1) ORDER BY e.seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("inventory: entries by id: %w", err)
	}
	return collectEntries(rows)
}

// Keys implements Store.
func (r *Repository) Keys(ctx context.Context, itemID, warehouseID string) ([]Key, error) {
	rows, err := r.pool.Query(ctx, `SELECT item_id, warehouse_id, batch_key FROM stock_ledger_keys
WHERE ($1 = '' OR item_id = $1) AND ($2 = '' OR warehouse_id = $2)
ORDER BY item_id, warehouse_id, batch_key`, itemID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("inventory: keys: %w", err)
	}
	defer rows.Close()
	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ItemID, &k.WarehouseID, &k.Batch); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// History implements Store.
func (r *Repository) History(ctx context.Context, keys []Key, f HistoryFilter, limit int) ([]LedgerEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	itemIDs := make([]string, len(keys))
	warehouseIDs := make([]string, len(keys))
	batches := make([]string, len(keys))
	for i, k := range keys {
		itemIDs[i], warehouseIDs[i], batches[i] = k.ItemID, k.WarehouseID, k.Batch
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	var after pgtype.Timestamptz
	if !f.After.IsZero() {
		after = pgtype.Timestamptz{Time: f.After.PostingDate, Valid: true}
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries e
JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(item_id, warehouse_id, batch_key)
  ON e.item_id = k.item_id AND e.warehouse_id = k.warehouse_id AND e.batch_key = k.batch_key
WHERE ($4::timestamptz IS NULL OR e.posting_date >= $4)
  AND ($5::timestamptz IS NULL OR e.posting_date <= $5)
  AND ($6::timestamptz IS NULL OR (e.posting_date, e.seq) > ($6, $7::bigint))
ORDER BY e.posting_date, e.seq
LIMIT $8`,
		itemIDs, warehouseIDs, batches,
		timestamptz(nonZero(f.From)), timestamptz(nonZero(f.To)), after, f.After.Sequence, limit)
	if err != nil {
		return nil, fmt.Errorf("inventory: history: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]LedgerEntry, error) {
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var (
		e        LedgerEntry
		expiry   pgtype.Timestamptz
		qty      decimal.Decimal
		uom      string
		rate     decimal.Decimal
		value    decimal.Decimal
		currency string
		voucher  string
	)
	err := row.Scan(&e.ID, &e.Sequence, &e.Key.ItemID, &e.Key.WarehouseID, &e.Key.Batch, &e.BinID, &e.BatchNo, &e.SerialNo,
		&expiry, &e.PostingDate, &qty, &uom, &rate, &value, &currency, &voucher,
		&e.StockEntryID, &e.VoucherNo, &e.VoucherLine, &e.CancelsID, &e.Cancelled, &e.CreatedAt)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("inventory: scan entry: %w", err)
	}
	e.ExpiryDate = timePtr(expiry)
	e.Qty = measure.Delta(qty, uom)
	if e.Rate, err = measure.NewRate(rate, currency); err != nil {
		return LedgerEntry{}, fmt.Errorf("inventory: entry %s rate: %w", e.ID, err)
	}
	if e.ValueDelta, err = measure.NewMoney(value, currency); err != nil {
		return LedgerEntry{}, fmt.Errorf("inventory: entry %s value: %w", e.ID, err)
	}
	e.VoucherType = StockEntryType(voucher)
	e.PostingDate = e.PostingDate.UTC()
	return e, nil
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
