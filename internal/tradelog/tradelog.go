package tradelog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// Log is the append-only trade and execution log.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes the database connection and creates the trades table.
// dataSourceName may be ":memory:".
func Open(dataSourceName string) (*Log, error) {
	if dataSourceName != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dataSourceName), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", dataSourceName, err)
		}
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" on one database and serialises writers
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Log{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		transition TEXT NOT NULL,
		outcome TEXT NOT NULL,
		client_order_id TEXT,
		side TEXT,
		position_side TEXT,
		role TEXT,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		fee REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		candle_identity INTEGER NOT NULL,
		reason TEXT,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades (created_at);`)
	return err
}

// Append inserts rec, assigning an id and timestamp when missing.
func (l *Log) Append(rec *models.TradeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}

	query := `
	INSERT INTO trades (id, symbol, timeframe, transition, outcome, client_order_id, side, position_side, role,
		quantity, price, fee, realized_pnl, candle_identity, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.Exec(query,
		rec.ID, rec.Symbol, rec.Timeframe, string(rec.Transition), string(rec.Outcome), rec.ClientOrderID,
		string(rec.Side), string(rec.PositionSide), string(rec.Role),
		rec.Quantity, rec.Price, rec.Fee, rec.RealizedPnL, rec.CandleIdentity, rec.Reason, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (l *Log) Recent(limit int) ([]models.TradeRecord, error) {
	query := `
	SELECT id, symbol, timeframe, transition, outcome, client_order_id, side, position_side, role,
		quantity, price, fee, realized_pnl, candle_identity, reason, created_at
	FROM trades ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := l.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var (
			rec                                  models.TradeRecord
			transition, outcome, side, pos, role string
			createdAt                            int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.Symbol, &rec.Timeframe, &transition, &outcome, &rec.ClientOrderID, &side, &pos, &role,
			&rec.Quantity, &rec.Price, &rec.Fee, &rec.RealizedPnL, &rec.CandleIdentity, &rec.Reason, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		rec.Transition = models.TransitionKind(transition)
		rec.Outcome = models.TradeOutcome(outcome)
		rec.Side = models.Side(side)
		rec.PositionSide = models.PositionSide(pos)
		rec.Role = models.Role(role)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RealizedPnLSince sums realised PnL of filled records created at or after since.
func (l *Log) RealizedPnLSince(since time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := l.db.QueryRow(
		`SELECT SUM(realized_pnl) FROM trades WHERE outcome = ? AND created_at >= ?`,
		string(models.OutcomeFilled), since.UnixMilli(),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return sum.Float64, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
