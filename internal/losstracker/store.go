package losstracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/fundingkeeper/keeper/pkg/types"
)

// Store persists entry/exit cost records. Persistence is best-effort: a
// Tracker keeps working purely in memory if every call fails, matching
// the spec's "in-memory OK for tests" design note.
type Store interface {
	SaveEntry(types.PositionEntry) error
	SaveExit(types.PositionExit) error
}

// MemoryStore discards nothing but also persists nothing to disk; it
// exists so Tracker always has a non-nil Store to call.
type MemoryStore struct {
	mu      sync.Mutex
	entries []types.PositionEntry
	exits   []types.PositionExit
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) SaveEntry(e types.PositionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) SaveExit(x types.PositionExit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = append(s.exits, x)
	return nil
}

func (s *MemoryStore) Entries() []types.PositionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PositionEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemoryStore) Exits() []types.PositionExit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PositionExit, len(s.exits))
	copy(out, s.exits)
	return out
}

// JSONStore appends cost records to a directory of JSON Lines files, one
// file per UTC calendar day, one JSON line per record. Records are
// appended in place, not written through a temp file and rename.
type JSONStore struct {
	mu  sync.Mutex
	dir string
}

func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("losstracker: create store dir: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

type jsonRecord struct {
	Kind  string               `json:"kind"` // "entry" or "exit"
	Entry *types.PositionEntry `json:"entry,omitempty"`
	Exit  *types.PositionExit  `json:"exit,omitempty"`
}

func (s *JSONStore) SaveEntry(e types.PositionEntry) error {
	return s.append(e.Timestamp, jsonRecord{Kind: "entry", Entry: &e})
}

func (s *JSONStore) SaveExit(x types.PositionExit) error {
	return s.append(x.Timestamp, jsonRecord{Kind: "exit", Exit: &x})
}

func (s *JSONStore) append(ts time.Time, rec jsonRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, ts.UTC().Format("2006-01-02")+".jsonl")

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("losstracker: marshal record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("losstracker: open store file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("losstracker: write record: %w", err)
	}
	return nil
}

// GormStore persists entry/exit records to a relational database via
// gorm, grounded on ChoSanghyuk-blackholedex's transaction_recorder.go
// AutoMigrate-on-open pattern. Intended for operators who want a queryable
// audit trail rather than the JSONStore's append-only log.
type GormStore struct {
	db *gorm.DB
}

type entryRow struct {
	ID            uint   `gorm:"primaryKey"`
	Symbol        string `gorm:"index"`
	Venue         string `gorm:"index"`
	EntryCost     string
	PositionValue string
	Timestamp     time.Time `gorm:"index"`
}

func (entryRow) TableName() string { return "position_entries" }

type exitRow struct {
	ID          uint   `gorm:"primaryKey"`
	Symbol      string `gorm:"index"`
	Venue       string `gorm:"index"`
	ExitCost    string
	RealizedPnL string
	HoursHeld   float64
	Timestamp   time.Time `gorm:"index"`
}

func (exitRow) TableName() string { return "position_exits" }

// NewGormStore opens a MySQL-backed store at dsn and migrates its schema.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("losstracker: open gorm db: %w", err)
	}
	if err := db.AutoMigrate(&entryRow{}, &exitRow{}); err != nil {
		return nil, fmt.Errorf("losstracker: automigrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveEntry(e types.PositionEntry) error {
	row := entryRow{
		Symbol:        e.Symbol,
		Venue:         string(e.Venue),
		EntryCost:     e.EntryCost.String(),
		PositionValue: e.PositionValue.String(),
		Timestamp:     e.Timestamp,
	}
	return s.db.Create(&row).Error
}

func (s *GormStore) SaveExit(x types.PositionExit) error {
	row := exitRow{
		Symbol:      x.Symbol,
		Venue:       string(x.Venue),
		ExitCost:    x.ExitCost.String(),
		RealizedPnL: x.RealizedPnL.String(),
		HoursHeld:   x.HoursHeld,
		Timestamp:   x.Timestamp,
	}
	return s.db.Create(&row).Error
}
