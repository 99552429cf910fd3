package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(39, 0), wide enough for any 128-bit value.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, name := range files {
		data, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(data), ";\n") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate %s: %w", name, err)
			}
		}
	}
	return nil
}

// --- Assets ---

func (s *PostgresStore) InsertAsset(ctx context.Context, a *model.Asset) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, decimals, status, balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, int16(a.Decimals), string(a.Status), a.Balance.String(), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert asset %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", a.ID, model.ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, decimals, status, balance::TEXT, created_at
		 FROM assets WHERE id = $1`, id)
	a, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, decimals, status, balance::TEXT, created_at
		 FROM assets ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) UpdateAssetStatus(ctx context.Context, id string, status model.AssetStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE assets SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update asset %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateAssetBalance(ctx context.Context, id string, balance fixed.Uint) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets SET balance = $2::NUMERIC WHERE id = $1`, id, balance.String())
	if err != nil {
		return fmt.Errorf("update asset %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Balances ---

func (s *PostgresStore) GetHolder(ctx context.Context, accountID string) (*model.HolderBalance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT account_id, amount::TEXT, price::TEXT
		 FROM holder_balances WHERE account_id = $1`, accountID)
	h, err := scanHolder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get holder %s: %w", accountID, err)
	}
	return h, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.HolderBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, amount::TEXT, price::TEXT
		 FROM holder_balances ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.HolderBalance
	for rows.Next() {
		h, err := scanHolder(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, *h)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) TotalSupply(ctx context.Context) (fixed.Uint, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `SELECT amount::TEXT FROM token_supply WHERE id`).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return fixed.Zero, nil
	}
	if err != nil {
		return fixed.Zero, fmt.Errorf("total supply: %w", err)
	}
	return fixed.Parse(amount)
}

// SaveBalances writes the supply row and every holder inside one
// transaction.
func (s *PostgresStore) SaveBalances(ctx context.Context, supply fixed.Uint, holders ...model.HolderBalance) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`INSERT INTO token_supply (id, amount) VALUES (TRUE, $1::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET amount = EXCLUDED.amount`,
		supply.String()); err != nil {
		return fmt.Errorf("save supply: %w", err)
	}
	for _, h := range holders {
		if _, err = tx.Exec(ctx,
			`INSERT INTO holder_balances (account_id, amount, price)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
			 ON CONFLICT (account_id) DO UPDATE
			 SET amount = EXCLUDED.amount, price = EXCLUDED.price`,
			h.AccountID, h.Amount.String(), h.Price.String()); err != nil {
			return fmt.Errorf("save holder %s: %w", h.AccountID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Operations ---

const operationColumns = `id, kind, state, account_id, asset_id,
	amount_in::TEXT, amount_out::TEXT, quote_multiplier::TEXT, quote_decimals,
	price::TEXT, expected, error, created_at, updated_at`

func (s *PostgresStore) CreateOperation(ctx context.Context, op *model.Operation) error {
	expected, err := marshalExpected(op.Expected)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO operations (id, kind, state, account_id, asset_id,
		     amount_in, amount_out, quote_multiplier, quote_decimals,
		     price, expected, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		     $10::NUMERIC, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		op.ID, string(op.Kind), string(op.State), op.AccountID, op.AssetID,
		op.AmountIn.String(), op.AmountOut.String(), op.QuoteMultiplier.String(), int16(op.QuoteDecimals),
		op.Price.String(), expected, op.Error, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, model.ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = $1`, id)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// TransitionOperation is a compare-and-set on the state column.
func (s *PostgresStore) TransitionOperation(ctx context.Context, op *model.Operation, from model.OperationState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE operations
		 SET state = $3, amount_out = $4::NUMERIC, quote_multiplier = $5::NUMERIC,
		     quote_decimals = $6, price = $7::NUMERIC, error = $8, updated_at = $9
		 WHERE id = $1 AND state = $2`,
		op.ID, string(from), string(op.State), op.AmountOut.String(), op.QuoteMultiplier.String(),
		int16(op.QuoteDecimals), op.Price.String(), op.Error, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("transition operation %s: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetOperation(ctx, op.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: operation %s is %s, not %s", model.ErrInvalidState, op.ID, cur.State, from)
	}
	return nil
}

func (s *PostgresStore) ListOperations(ctx context.Context, states []model.OperationState, updatedBefore time.Time) ([]model.Operation, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE state = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`, names, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, kind, owner_id, old_owner_id, new_owner_id, amount, memo, operation_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		e.ID, string(e.Kind), e.OwnerID, e.OldOwnerID, e.NewOwnerID,
		e.Amount.String(), e.Memo, e.OperationID, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, account string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, owner_id, old_owner_id, new_owner_id, amount::TEXT, memo, operation_id, timestamp
		 FROM (
		     SELECT * FROM events
		     WHERE $1 = '' OR owner_id = $1 OR old_owner_id = $1 OR new_owner_id = $1
		     ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kind, amount string
		if err := rows.Scan(&e.ID, &kind, &e.OwnerID, &e.OldOwnerID, &e.NewOwnerID,
			&amount, &e.Memo, &e.OperationID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		if e.Amount, err = fixed.Parse(amount); err != nil {
			return nil, fmt.Errorf("event %s amount: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scanning ---

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	var decimals int16
	var status, balance string
	if err := row.Scan(&a.ID, &decimals, &status, &balance, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Decimals = uint8(decimals)
	a.Status = model.AssetStatus(status)
	var err error
	if a.Balance, err = fixed.Parse(balance); err != nil {
		return nil, fmt.Errorf("asset %s balance: %w", a.ID, err)
	}
	return &a, nil
}

func scanHolder(row pgx.Row) (*model.HolderBalance, error) {
	var h model.HolderBalance
	var amount, price string
	if err := row.Scan(&h.AccountID, &amount, &price); err != nil {
		return nil, err
	}
	var err error
	if h.Amount, err = fixed.Parse(amount); err != nil {
		return nil, fmt.Errorf("holder %s amount: %w", h.AccountID, err)
	}
	if h.Price, err = fixed.Parse(price); err != nil {
		return nil, fmt.Errorf("holder %s price: %w", h.AccountID, err)
	}
	return &h, nil
}

func scanOperation(row pgx.Row) (*model.Operation, error) {
	var op model.Operation
	var kind, state, amountIn, amountOut, multiplier, price string
	var quoteDecimals int16
	var expected []byte
	if err := row.Scan(&op.ID, &kind, &state, &op.AccountID, &op.AssetID,
		&amountIn, &amountOut, &multiplier, &quoteDecimals,
		&price, &expected, &op.Error, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	op.Kind = model.OperationKind(kind)
	op.State = model.OperationState(state)
	op.QuoteDecimals = uint8(quoteDecimals)

	fields := []struct {
		dst *fixed.Uint
		src string
	}{
		{&op.AmountIn, amountIn},
		{&op.AmountOut, amountOut},
		{&op.QuoteMultiplier, multiplier},
		{&op.Price, price},
	}
	for _, f := range fields {
		v, err := fixed.Parse(f.src)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", op.ID, err)
		}
		*f.dst = v
	}
	if len(expected) > 0 {
		op.Expected = new(model.ExpectedPrice)
		if err := json.Unmarshal(expected, op.Expected); err != nil {
			return nil, fmt.Errorf("operation %s expected price: %w", op.ID, err)
		}
	}
	return &op, nil
}

func marshalExpected(e *model.ExpectedPrice) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}
