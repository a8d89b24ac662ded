package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
)

// ErrAccountNotFound is returned when an account id is not in the store.
var ErrAccountNotFound = errors.New("account not found")

type accountFile struct {
	Accounts []*Account `json:"accounts"`
}

// AccountStore persists the account pool as a single flat JSON file. All
// mutations are applied in memory under a lock and flushed to disk on a
// debounce interval; Flush and Close force a synchronous write.
type AccountStore struct {
	path string

	mu       sync.RWMutex
	accounts map[string]*Account

	dirty  chan struct{}
	stop   chan struct{}
	doneWg sync.WaitGroup
}

// NewAccountStore loads the pool from path, creating an empty store when the
// file does not exist yet. A background goroutine flushes dirty state every
// flushInterval.
func NewAccountStore(path string, flushInterval time.Duration) (*AccountStore, error) {
	s := &AccountStore{
		path:     path,
		accounts: make(map[string]*Account),
		dirty:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	s.doneWg.Add(1)
	go s.flushLoop(flushInterval)
	return s, nil
}

func (s *AccountStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read account store: %w", err)
	}

	var file accountFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse account store %s: %w", s.path, err)
	}
	for _, acc := range file.Accounts {
		if acc.ID == "" {
			continue
		}
		s.accounts[acc.ID] = acc
	}
	logger.L().Info("account store loaded",
		zap.String("path", s.path),
		zap.Int("accounts", len(s.accounts)))
	return nil
}

// List returns a snapshot of all accounts, sorted by id for stable output.
// The returned values are deep copies; callers mutate via Patch.
func (s *AccountStore) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, copyAccount(acc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one account.
func (s *AccountStore) Get(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

// Upsert inserts or replaces an account and schedules a flush.
func (s *AccountStore) Upsert(acc *Account) error {
	if acc == nil || acc.ID == "" {
		return errors.New("account id required")
	}

	now := time.Now().UnixMilli()
	s.mu.Lock()
	stored := copyAccount(acc)
	if prev, ok := s.accounts[acc.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.accounts[acc.ID] = stored
	s.mu.Unlock()

	s.markDirty()
	return nil
}

// Patch applies fn to the stored account under the write lock and schedules a
// flush. fn receives the live stored value.
func (s *AccountStore) Patch(id string, fn func(acc *Account)) error {
	s.mu.Lock()
	acc, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrAccountNotFound
	}
	fn(acc)
	acc.UpdatedAt = time.Now().UnixMilli()
	s.mu.Unlock()

	s.markDirty()
	return nil
}

// Delete removes an account and schedules a flush.
func (s *AccountStore) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.accounts[id]; !ok {
		s.mu.Unlock()
		return ErrAccountNotFound
	}
	delete(s.accounts, id)
	s.mu.Unlock()

	s.markDirty()
	return nil
}

func (s *AccountStore) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *AccountStore) flushLoop(interval time.Duration) {
	defer s.doneWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-s.dirty:
			pending = true
		case <-ticker.C:
			if pending {
				if err := s.Flush(); err != nil {
					logger.L().Error("account store flush failed", zap.Error(err))
				} else {
					pending = false
				}
			}
		case <-s.stop:
			if pending {
				if err := s.Flush(); err != nil {
					logger.L().Error("account store final flush failed", zap.Error(err))
				}
			}
			return
		}
	}
}

// Flush writes the current pool to disk via a temp file and atomic rename.
func (s *AccountStore) Flush() error {
	s.mu.RLock()
	file := accountFile{Accounts: make([]*Account, 0, len(s.accounts))}
	for _, acc := range s.accounts {
		file.Accounts = append(file.Accounts, copyAccount(acc))
	}
	s.mu.RUnlock()

	sort.Slice(file.Accounts, func(i, j int) bool { return file.Accounts[i].ID < file.Accounts[j].ID })

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode account store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write account store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace account store: %w", err)
	}
	return nil
}

// Close stops the flush loop after a final write.
func (s *AccountStore) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
	}
	close(s.stop)
	s.doneWg.Wait()
	return nil
}

func copyAccount(acc *Account) *Account {
	out := *acc
	if acc.Usage != nil {
		usage := *acc.Usage
		usage.Primary = copyWindow(acc.Usage.Primary)
		usage.Secondary = copyWindow(acc.Usage.Secondary)
		out.Usage = &usage
	}
	if acc.State != nil {
		state := *acc.State
		state.RecentErrors = append([]AccountError(nil), acc.State.RecentErrors...)
		out.State = &state
	}
	if acc.Priority != nil {
		p := *acc.Priority
		out.Priority = &p
	}
	return &out
}

func copyWindow(w UsageWindow) UsageWindow {
	out := UsageWindow{}
	if w.UsedPercent != nil {
		v := *w.UsedPercent
		out.UsedPercent = &v
	}
	if w.ResetAt != nil {
		v := *w.ResetAt
		out.ResetAt = &v
	}
	return out
}
