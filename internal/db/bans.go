package db

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/events"
)

// ErrNotBanned is returned when unbanning an address that has no ban.
var ErrNotBanned = errors.New("address is not banned")

// Ban is one row of the ban list.
type Ban struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BanStore keeps the ban list in SQLite and mirrors it in memory so
// admission checks never touch the database.
type BanStore struct {
	db     *Database
	events events.Publisher
	now    func() time.Time

	mu    sync.RWMutex
	cache map[netip.Addr]Ban
}

// NewBanStore opens the database at dbPath, migrates it and loads the cache.
func NewBanStore(dbPath string, pub events.Publisher) (*BanStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := newBanStore(database, pub)
	if err != nil {
		database.Close()
		return nil, err
	}
	return s, nil
}

func newBanStore(database *Database, pub events.Publisher) (*BanStore, error) {
	if pub == nil {
		pub = events.Discard
	}
	s := &BanStore{
		db:     database,
		events: pub,
		now:    time.Now,
		cache:  make(map[netip.Addr]Ban),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate ban database: %w", err)
	}
	if err := s.reload(); err != nil {
		return nil, fmt.Errorf("failed to load bans: %w", err)
	}
	return s, nil
}

func (s *BanStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bans (
			ip TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	log.Debug().Msg("ban schema migrated")
	return nil
}

func (s *BanStore) reload() error {
	rows, err := s.db.Query("SELECT ip, reason, created_at FROM bans")
	if err != nil {
		return err
	}
	defer rows.Close()

	cache := make(map[netip.Addr]Ban)
	for rows.Next() {
		var b Ban
		var created string
		if err := rows.Scan(&b.IP, &b.Reason, &created); err != nil {
			return err
		}
		addr, err := netip.ParseAddr(b.IP)
		if err != nil {
			log.Warn().Str("ip", b.IP).Msg("skipping malformed ban entry")
			continue
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		cache[addr] = b
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// ParseIP accepts a bare address or an ip:port pair.
func ParseIP(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr.Unmap(), nil
}

// Ban adds or replaces the ban on addr.
func (s *BanStore) Ban(addr netip.Addr, reason string) (Ban, error) {
	addr = addr.Unmap()
	b := Ban{IP: addr.String(), Reason: reason, CreatedAt: s.now().UTC()}
	_, err := s.db.Exec(
		`INSERT INTO bans (ip, reason, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(ip) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at`,
		b.IP, b.Reason, b.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Ban{}, fmt.Errorf("failed to ban %s: %w", b.IP, err)
	}

	s.mu.Lock()
	s.cache[addr] = b
	s.mu.Unlock()

	log.Info().Str("ip", b.IP).Str("reason", reason).Msg("address banned")
	s.emit(b.IP, reason, true)
	return b, nil
}

// Unban lifts the ban on addr.
func (s *BanStore) Unban(addr netip.Addr) error {
	addr = addr.Unmap()
	res, err := s.db.Exec("DELETE FROM bans WHERE ip = ?", addr.String())
	if err != nil {
		return fmt.Errorf("failed to unban %s: %w", addr, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotBanned
	}

	s.mu.Lock()
	delete(s.cache, addr)
	s.mu.Unlock()

	log.Info().Str("ip", addr.String()).Msg("address unbanned")
	s.emit(addr.String(), "", false)
	return nil
}

// IsBanned implements raknet.BanChecker from the in-memory cache.
func (s *BanStore) IsBanned(addr netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[addr.Unmap()]
	return ok
}

// Get returns the ban on addr, if any.
func (s *BanStore) Get(addr netip.Addr) (Ban, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cache[addr.Unmap()]
	return b, ok
}

// List returns every ban, newest first.
func (s *BanStore) List() []Ban {
	s.mu.RLock()
	out := make([]Ban, 0, len(s.cache))
	for _, b := range s.cache {
		out = append(out, b)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// Len returns the number of bans.
func (s *BanStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Close closes the underlying database.
func (s *BanStore) Close() error {
	return s.db.Close()
}

func (s *BanStore) emit(ip, reason string, banned bool) {
	s.events.Emit(context.Background(), events.Event{
		Type:    events.EventBanChanged,
		Source:  "bans",
		Payload: events.BanPayload{IP: ip, Reason: reason, Banned: banned},
	})
}
