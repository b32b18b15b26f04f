package storage

// sqlite.go — journal de trading sobre SQLite (pure Go, sin CGo).
//
// Tablas:
//   orders        — una fila por orden (UPSERT en cada transición)
//   fills         — fills confirmados, clave (order_id, seq): reescribir es idempotente
//   reservations  — reservas de riesgo; closed_at NULL = todavía en vuelo
//   risk_state    — kill switch y baseline diario, siempre 1 fila
//   opportunities — historial de oportunidades detectadas
//
// Los tiempos se guardan como UnixNano en INTEGER (0 = sin valor).
// Prune automático al arrancar: oportunidades > 14d, reservas cerradas > 30d.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id              TEXT PRIMARY KEY,   -- UUID local
    venue_order_id  TEXT NOT NULL DEFAULT '',
    opportunity_id  TEXT NOT NULL,
    reservation_id  TEXT NOT NULL,
    kind            INTEGER NOT NULL,
    market_id       TEXT NOT NULL,
    token_id        TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    side            TEXT NOT NULL,
    price           REAL NOT NULL,
    size            REAL NOT NULL,
    filled_size     REAL NOT NULL DEFAULT 0,
    avg_fill_price  REAL NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    submitted_at    INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL DEFAULT 0,
    retries         INTEGER NOT NULL DEFAULT 0,
    last_fill_seq   INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_orders_status  ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_updated ON orders(updated_at);

CREATE TABLE IF NOT EXISTS fills (
    order_id   TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    market_id  TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    token_id   TEXT NOT NULL,
    side       TEXT NOT NULL,
    price      REAL NOT NULL,
    size       REAL NOT NULL,
    ts         INTEGER NOT NULL,
    PRIMARY KEY (order_id, seq)
);

CREATE TABLE IF NOT EXISTS reservations (
    id              TEXT PRIMARY KEY,
    market_id       TEXT NOT NULL,
    opportunity_id  TEXT NOT NULL,
    amount          REAL NOT NULL,
    created_at      INTEGER NOT NULL,
    closed_at       INTEGER,
    outcome         TEXT NOT NULL DEFAULT '',
    committed       REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reservations_open ON reservations(closed_at);

CREATE TABLE IF NOT EXISTS risk_state (
    id                   INTEGER PRIMARY KEY DEFAULT 1,
    tripped              INTEGER NOT NULL DEFAULT 0,
    reason               TEXT NOT NULL DEFAULT '',
    tripped_at           INTEGER NOT NULL DEFAULT 0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    day_start            INTEGER NOT NULL DEFAULT 0,
    day_baseline         REAL NOT NULL DEFAULT 0,
    peak_equity          REAL NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO risk_state (id) VALUES (1);

CREATE TABLE IF NOT EXISTS opportunities (
    id           TEXT PRIMARY KEY,
    kind         INTEGER NOT NULL,
    market_id    TEXT NOT NULL,
    edge         REAL NOT NULL,
    size         REAL NOT NULL,
    source_seq   INTEGER NOT NULL,
    detected_at  INTEGER NOT NULL,
    yes_price    REAL NOT NULL DEFAULT 0,
    no_price     REAL NOT NULL DEFAULT 0,
    fee          REAL NOT NULL DEFAULT 0,
    gas          REAL NOT NULL DEFAULT 0,
    outcome      TEXT NOT NULL DEFAULT '',
    bid_price    REAL NOT NULL DEFAULT 0,
    ask_price    REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_opp_detected ON opportunities(detected_at DESC);
`

const (
	retentionOpps         = 14 * 24 * time.Hour
	retentionReservations = 30 * 24 * time.Hour
)

var _ ports.Journal = (*SQLiteStorage)(nil)

// SQLiteStorage implementa ports.Journal usando SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada.
// Aplica el schema y limpia datos antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// ─── Orders ──────────────────────────────────────────────────────────────────

// SaveOrder inserta o actualiza una orden completa.
func (s *SQLiteStorage) SaveOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
		  (id, venue_order_id, opportunity_id, reservation_id, kind, market_id, token_id,
		   outcome, side, price, size, filled_size, avg_fill_price, status,
		   submitted_at, updated_at, retries, last_fill_seq, last_error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  venue_order_id = excluded.venue_order_id,
		  filled_size    = excluded.filled_size,
		  avg_fill_price = excluded.avg_fill_price,
		  status         = excluded.status,
		  submitted_at   = excluded.submitted_at,
		  updated_at     = excluded.updated_at,
		  retries        = excluded.retries,
		  last_fill_seq  = excluded.last_fill_seq,
		  last_error     = excluded.last_error`,
		o.ID, o.VenueOrderID, o.OpportunityID, o.ReservationID, int(o.Kind), o.MarketID, o.TokenID,
		string(o.Outcome), string(o.Side), o.Price, o.Size, o.FilledSize, o.AvgFillPrice, string(o.Status),
		toNanos(o.SubmittedAt), toNanos(o.UpdatedAt), o.Retries, int64(o.LastFillSeq), o.LastError,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveOrder %s: %w", o.ID, err)
	}
	return nil
}

// GetOpenOrders devuelve las órdenes que no están en un estado terminal.
func (s *SQLiteStorage) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, `WHERE status NOT IN (?,?,?)`,
		string(domain.StatusFilled), string(domain.StatusCanceled), string(domain.StatusRejected))
}

// GetOrders devuelve las órdenes actualizadas desde since.
func (s *SQLiteStorage) GetOrders(ctx context.Context, since time.Time) ([]domain.Order, error) {
	return s.queryOrders(ctx, `WHERE updated_at >= ?`, toNanos(since))
}

func (s *SQLiteStorage) queryOrders(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, venue_order_id, opportunity_id, reservation_id, kind, market_id, token_id,
		       outcome, side, price, size, filled_size, avg_fill_price, status,
		       submitted_at, updated_at, retries, last_fill_seq, last_error
		FROM orders `+where+` ORDER BY updated_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryOrders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var (
			o                     domain.Order
			kind                  int
			outcome, side, status string
			submitted, updated    int64
			lastFillSeq           int64
		)
		if err := rows.Scan(
			&o.ID, &o.VenueOrderID, &o.OpportunityID, &o.ReservationID, &kind, &o.MarketID, &o.TokenID,
			&outcome, &side, &o.Price, &o.Size, &o.FilledSize, &o.AvgFillPrice, &status,
			&submitted, &updated, &o.Retries, &lastFillSeq, &o.LastError,
		); err != nil {
			return nil, fmt.Errorf("storage.queryOrders: scan: %w", err)
		}
		o.Kind = domain.OpportunityKind(kind)
		o.Outcome = domain.Outcome(outcome)
		o.Side = domain.Side(side)
		o.Status = domain.OrderStatus(status)
		o.SubmittedAt = fromNanos(submitted)
		o.UpdatedAt = fromNanos(updated)
		o.LastFillSeq = uint64(lastFillSeq)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ─── Fills ───────────────────────────────────────────────────────────────────

// SaveFill registra un fill. Un fill ya guardado (mismo order_id y seq) se ignora.
func (s *SQLiteStorage) SaveFill(ctx context.Context, f domain.Fill, ref domain.TokenRef, side domain.Side) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (order_id, seq, market_id, outcome, token_id, side, price, size, ts)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		f.OrderID, int64(f.Seq), ref.MarketID, string(ref.Outcome), ref.TokenID, string(side),
		f.Price, f.Size, toNanos(f.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveFill %s/%d: %w", f.OrderID, f.Seq, err)
	}
	return nil
}

// GetFills devuelve todos los fills en orden de llegada.
func (s *SQLiteStorage) GetFills(ctx context.Context) ([]ports.JournalFill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, seq, market_id, outcome, token_id, side, price, size, ts
		FROM fills ORDER BY ts, rowid`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetFills: %w", err)
	}
	defer rows.Close()

	var out []ports.JournalFill
	for rows.Next() {
		var (
			f             ports.JournalFill
			seq, ts       int64
			outcome, side string
		)
		if err := rows.Scan(&f.OrderID, &seq, &f.Token.MarketID, &outcome, &f.Token.TokenID, &side,
			&f.Price, &f.Size, &ts); err != nil {
			return nil, fmt.Errorf("storage.GetFills: scan: %w", err)
		}
		f.Seq = uint64(seq)
		f.Token.Outcome = domain.Outcome(outcome)
		f.Side = domain.Side(side)
		f.Timestamp = fromNanos(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ─── Reservations ────────────────────────────────────────────────────────────

// SaveReservation registra una reserva abierta.
func (s *SQLiteStorage) SaveReservation(ctx context.Context, r domain.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reservations (id, market_id, opportunity_id, amount, created_at)
		VALUES (?,?,?,?,?)`,
		r.ID, r.MarketID, r.OpportunityID, r.Amount, toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveReservation %s: %w", r.ID, err)
	}
	return nil
}

// CloseReservation marca una reserva como committed o released.
func (s *SQLiteStorage) CloseReservation(ctx context.Context, id, outcome string, committed float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET closed_at = ?, outcome = ?, committed = ?
		WHERE id = ? AND closed_at IS NULL`,
		toNanos(time.Now()), outcome, committed, id,
	)
	if err != nil {
		return fmt.Errorf("storage.CloseReservation %s: %w", id, err)
	}
	return nil
}

// GetOpenReservations devuelve las reservas que siguen en vuelo.
func (s *SQLiteStorage) GetOpenReservations(ctx context.Context) ([]domain.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, opportunity_id, amount, created_at
		FROM reservations WHERE closed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetOpenReservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		var created int64
		if err := rows.Scan(&r.ID, &r.MarketID, &r.OpportunityID, &r.Amount, &created); err != nil {
			return nil, fmt.Errorf("storage.GetOpenReservations: scan: %w", err)
		}
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Risk state ──────────────────────────────────────────────────────────────

// SaveKillSwitch persiste el estado del risk gate.
func (s *SQLiteStorage) SaveKillSwitch(ctx context.Context, st domain.KillSwitchState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE risk_state SET tripped=?, reason=?, tripped_at=?, consecutive_failures=?,
		       day_start=?, day_baseline=?, peak_equity=?
		WHERE id=1`,
		boolToInt(st.Tripped), st.Reason, toNanos(st.TrippedAt), st.ConsecutiveFailures,
		toNanos(st.DayStart), st.DayBaseline, st.PeakEquity,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveKillSwitch: %w", err)
	}
	return nil
}

// LoadKillSwitch lee el estado del risk gate guardado.
func (s *SQLiteStorage) LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error) {
	var (
		st                  domain.KillSwitchState
		tripped             int
		trippedAt, dayStart int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tripped, reason, tripped_at, consecutive_failures, day_start, day_baseline, peak_equity
		FROM risk_state WHERE id=1`).
		Scan(&tripped, &st.Reason, &trippedAt, &st.ConsecutiveFailures, &dayStart, &st.DayBaseline, &st.PeakEquity)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.KillSwitchState{}, nil
	}
	if err != nil {
		return domain.KillSwitchState{}, fmt.Errorf("storage.LoadKillSwitch: %w", err)
	}
	st.Tripped = tripped == 1
	st.TrippedAt = fromNanos(trippedAt)
	st.DayStart = fromNanos(dayStart)
	return st, nil
}

// ─── Opportunities ───────────────────────────────────────────────────────────

// SaveOpportunity añade una oportunidad al historial.
func (s *SQLiteStorage) SaveOpportunity(ctx context.Context, opp domain.Opportunity) error {
	var yes, no, fee, gas, bid, ask float64
	var outcome string
	if b := opp.Bundle; b != nil {
		yes, no, fee, gas = b.YesPrice, b.NoPrice, b.FeePerShare, b.GasPerShare
	}
	if q := opp.Quote; q != nil {
		outcome, bid, ask = string(q.Outcome), q.BidPrice, q.AskPrice
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO opportunities
		  (id, kind, market_id, edge, size, source_seq, detected_at,
		   yes_price, no_price, fee, gas, outcome, bid_price, ask_price)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		opp.ID, int(opp.Kind), opp.MarketID, opp.Edge, opp.Size, int64(opp.SourceSeq), toNanos(opp.DetectedAt),
		yes, no, fee, gas, outcome, bid, ask,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveOpportunity %s: %w", opp.ID, err)
	}
	return nil
}

// GetOpportunities devuelve el historial detectado en [from, to], más recientes primero.
func (s *SQLiteStorage) GetOpportunities(ctx context.Context, from, to time.Time, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, market_id, edge, size, source_seq, detected_at,
		       yes_price, no_price, fee, gas, outcome, bid_price, ask_price
		FROM opportunities
		WHERE detected_at BETWEEN ? AND ?
		ORDER BY detected_at DESC
		LIMIT ?`, toNanos(from), toNanos(to), limit)
	if err != nil {
		return nil, fmt.Errorf("storage.GetOpportunities: %w", err)
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		var (
			o                           domain.Opportunity
			kind                        int
			seq, detected               int64
			yes, no, fee, gas, bid, ask float64
			outcome                     string
		)
		if err := rows.Scan(&o.ID, &kind, &o.MarketID, &o.Edge, &o.Size, &seq, &detected,
			&yes, &no, &fee, &gas, &outcome, &bid, &ask); err != nil {
			return nil, fmt.Errorf("storage.GetOpportunities: scan: %w", err)
		}
		o.Kind = domain.OpportunityKind(kind)
		o.SourceSeq = uint64(seq)
		o.DetectedAt = fromNanos(detected)
		if o.Kind == domain.KindMarketMaking {
			o.Quote = &domain.QuotePayload{Outcome: domain.Outcome(outcome), BidPrice: bid, AskPrice: ask}
		} else {
			o.Bundle = &domain.BundlePayload{YesPrice: yes, NoPrice: no, FeePerShare: fee, GasPerShare: gas}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- helpers internos ---

// pruneOld elimina datos antiguos para mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	now := time.Now()
	_, _ = s.db.ExecContext(ctx, `DELETE FROM opportunities WHERE detected_at < ?`,
		toNanos(now.Add(-retentionOpps)))
	_, _ = s.db.ExecContext(ctx, `DELETE FROM reservations WHERE closed_at IS NOT NULL AND closed_at < ?`,
		toNanos(now.Add(-retentionReservations)))
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
