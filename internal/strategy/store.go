package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"tradegate/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	min_win_rate REAL NOT NULL,
	set_size     INTEGER NOT NULL,
	mode         TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	strategy_id  TEXT NOT NULL,
	set_number   INTEGER NOT NULL,
	trade_in_set INTEGER NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	entry        TEXT NOT NULL,
	exit         TEXT NOT NULL,
	quantity     INTEGER NOT NULL,
	pnl          TEXT NOT NULL,
	commission   TEXT NOT NULL,
	won          INTEGER NOT NULL,
	mode         TEXT NOT NULL,
	ts           TEXT NOT NULL,
	PRIMARY KEY (strategy_id, set_number, trade_in_set)
);
CREATE TABLE IF NOT EXISTS transitions (
	id          TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	from_mode   TEXT NOT NULL,
	to_mode     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	win_rates   TEXT,
	ts          TEXT NOT NULL
);
`

// SQLiteStore persists strategy state in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the strategy database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open strategy db: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one handle
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init strategy schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveStrategy(st *Strategy) error {
	_, err := s.db.Exec(`
		INSERT INTO strategies (id, name, min_win_rate, set_size, mode)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			min_win_rate = excluded.min_win_rate, mode = excluded.mode`,
		st.ID, st.Name, st.MinWinRate, st.SetSize, string(st.Mode))
	return err
}

func (s *SQLiteStore) SaveTrade(strategyID string, t TradeResult) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO trades
		(strategy_id, set_number, trade_in_set, symbol, side, entry, exit,
		 quantity, pnl, commission, won, mode, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strategyID, t.SetNumber, t.TradeInSet, t.Symbol, string(t.Side),
		t.Entry.String(), t.Exit.String(), t.Quantity,
		t.PnL.String(), t.Commission.String(), boolInt(t.Won),
		string(t.Mode), t.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) SaveTransition(t *ModeTransition) error {
	var rates any
	if len(t.WinRates) > 0 {
		b, err := json.Marshal(t.WinRates)
		if err != nil {
			return err
		}
		rates = string(b)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO transitions
		(id, strategy_id, from_mode, to_mode, reason, win_rates, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StrategyID, string(t.From), string(t.To), t.Reason,
		rates, t.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

// Load rebuilds every strategy from its persisted trades and transitions.
func (s *SQLiteStore) Load() ([]*Strategy, error) {
	byID := make(map[string]*Strategy)

	rows, err := s.db.Query(`SELECT id, name, min_win_rate, set_size, mode FROM strategies`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		st := &Strategy{}
		var mode string
		if err := rows.Scan(&st.ID, &st.Name, &st.MinWinRate, &st.SetSize, &mode); err != nil {
			rows.Close()
			return nil, err
		}
		st.Mode = Mode(mode)
		byID[st.ID] = st
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	if err := s.loadTrades(byID); err != nil {
		return nil, err
	}
	if err := s.loadTransitions(byID); err != nil {
		return nil, err
	}

	out := make([]*Strategy, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SQLiteStore) loadTrades(byID map[string]*Strategy) error {
	rows, err := s.db.Query(`
		SELECT strategy_id, set_number, trade_in_set, symbol, side, entry,
		       exit, quantity, pnl, commission, won, mode, ts
		FROM trades ORDER BY strategy_id, set_number, trade_in_set`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sid, symbol, side, entry, exit, pnl, commission, mode, ts string
			won                                                       int
			tr                                                        TradeResult
		)
		if err := rows.Scan(&sid, &tr.SetNumber, &tr.TradeInSet, &symbol,
			&side, &entry, &exit, &tr.Quantity, &pnl, &commission, &won,
			&mode, &ts); err != nil {
			return err
		}
		st, ok := byID[sid]
		if !ok {
			continue
		}
		tr.Symbol = symbol
		tr.Side = types.Side(side)
		tr.Mode = Mode(mode)
		tr.Won = won != 0
		if tr.Entry, err = decimal.NewFromString(entry); err != nil {
			return err
		}
		if tr.Exit, err = decimal.NewFromString(exit); err != nil {
			return err
		}
		if tr.PnL, err = decimal.NewFromString(pnl); err != nil {
			return err
		}
		if tr.Commission, err = decimal.NewFromString(commission); err != nil {
			return err
		}
		if tr.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return err
		}

		set := setForNumber(st, tr.SetNumber, tr.Mode, tr.Timestamp)
		set.Trades = append(set.Trades, tr)
		if tr.Won {
			set.Wins++
		}
		set.TotalPnL = set.TotalPnL.Add(tr.PnL)
		set.NetPnL = set.NetPnL.Add(tr.PnL).Sub(tr.Commission)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// seal every set that reached its size
	for _, st := range byID {
		for _, set := range st.Sets {
			if !set.Closed && len(set.Trades) >= st.SetSize {
				last := set.Trades[len(set.Trades)-1].Timestamp
				set.finalize(last.UTC())
			}
		}
	}
	return nil
}

func (s *SQLiteStore) loadTransitions(byID map[string]*Strategy) error {
	rows, err := s.db.Query(`
		SELECT id, strategy_id, from_mode, to_mode, reason, win_rates, ts
		FROM transitions ORDER BY ts`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tr         ModeTransition
			from, to   string
			rates, ts  sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.StrategyID, &from, &to, &tr.Reason, &rates, &ts); err != nil {
			return err
		}
		tr.From, tr.To = Mode(from), Mode(to)
		if rates.Valid && rates.String != "" {
			if err := json.Unmarshal([]byte(rates.String), &tr.WinRates); err != nil {
				return err
			}
		}
		if ts.Valid {
			if tr.Timestamp, err = time.Parse(time.RFC3339Nano, ts.String); err != nil {
				return err
			}
		}
		if st, ok := byID[tr.StrategyID]; ok {
			copied := tr
			st.Transitions = append(st.Transitions, &copied)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func setForNumber(st *Strategy, number int, mode Mode, openedAt time.Time) *Set {
	for len(st.Sets) < number {
		st.Sets = append(st.Sets, &Set{
			Number:   len(st.Sets) + 1,
			Mode:     mode,
			OpenedAt: openedAt.UTC(),
		})
	}
	return st.Sets[number-1]
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
