package rtm

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fxamacker/cbor/v2"
)

// Store persists conversations between runs. Entries marked stale are kept
// but must be refetched before being served.
type Store interface {
	// Load returns the stored conversation, or nil if there is none.
	Load(id string) (conv *Conversation, stale bool, err error)
	Save(convs ...*Conversation) error
	Delete(ids ...string) error
	MarkAllStale() error
}

// storedConversation is the on-disk form of a Conversation.
type storedConversation struct {
	ID          string         `cbor:"id"`
	Name        string         `cbor:"name,omitempty"`
	Creator     string         `cbor:"creator,omitempty"`
	Members     []string       `cbor:"members,omitempty"`
	Attributes  map[string]any `cbor:"attr,omitempty"`
	Unique      bool           `cbor:"unique,omitempty"`
	UniqueID    string         `cbor:"uniqueId,omitempty"`
	Transient   bool           `cbor:"transient,omitempty"`
	Temporary   bool           `cbor:"temporary,omitempty"`
	TTLSeconds  int64          `cbor:"ttl,omitempty"`
	CreatedAt   int64          `cbor:"createdAt,omitempty"`
	UpdatedAt   int64          `cbor:"updatedAt,omitempty"`
	ShouldFetch bool           `cbor:"shouldFetch,omitempty"`
}

func toStored(c *Conversation) *storedConversation {
	s := &storedConversation{
		ID:         c.ID,
		Name:       c.Name,
		Creator:    c.Creator,
		Members:    append([]string(nil), c.Members...),
		Attributes: cloneMap(c.Attributes),
		Unique:     c.Unique,
		UniqueID:   c.UniqueID,
		Transient:  c.Transient,
		Temporary:  c.Temporary,
		TTLSeconds: int64(c.TemporaryTTL / time.Second),
	}
	if !c.CreatedAt.IsZero() {
		s.CreatedAt = c.CreatedAt.UnixMilli()
	}
	if !c.UpdatedAt.IsZero() {
		s.UpdatedAt = c.UpdatedAt.UnixMilli()
	}
	return s
}

func (s *storedConversation) conversation() *Conversation {
	return &Conversation{
		ID:           s.ID,
		Name:         s.Name,
		Creator:      s.Creator,
		Members:      append([]string(nil), s.Members...),
		Attributes:   cloneMap(s.Attributes),
		Unique:       s.Unique,
		UniqueID:     s.UniqueID,
		Transient:    s.Transient,
		Temporary:    s.Temporary,
		TemporaryTTL: time.Duration(s.TTLSeconds) * time.Second,
		CreatedAt:    fromMillis(s.CreatedAt),
		UpdatedAt:    fromMillis(s.UpdatedAt),
	}
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*storedConversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*storedConversation)}
}

func (s *MemoryStore) Load(id string) (*Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := s.conversations[id]
	if sc == nil {
		return nil, false, nil
	}
	return sc.conversation(), sc.ShouldFetch, nil
}

func (s *MemoryStore) Save(convs ...*Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		s.conversations[c.ID] = toStored(c)
	}
	return nil
}

func (s *MemoryStore) Delete(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.conversations, id)
	}
	return nil
}

func (s *MemoryStore) MarkAllStale() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.conversations {
		sc.ShouldFetch = true
	}
	return nil
}

// Len returns the number of stored conversations.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// ============================================================================
// FileStore
// ============================================================================

var (
	storeEncMode cbor.EncMode
	storeDecMode cbor.DecMode
)

func init() {
	var err error
	storeEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rtm: CBOR encoder initialization failed: " + err.Error())
	}
	// Attribute values decode as map[string]any, matching what the JSON
	// wire format produces.
	storeDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rtm: CBOR decoder initialization failed: " + err.Error())
	}
}

// FileStore keeps conversations in a single CBOR file. Every write rewrites
// the file through a temp file and rename.
type FileStore struct {
	path string
	log  *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*storedConversation
	writeGen      atomic.Int64

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
}

type FileStoreOption func(*FileStore)

// WithStoreLogger sets the logger for reload and watch errors.
func WithStoreLogger(log *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.log = log }
}

// OpenFileStore loads path, or starts empty if it does not exist.
func OpenFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		path:          path,
		log:           slog.Default(),
		conversations: make(map[string]*storedConversation),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("store", path)
	convs, err := s.readFromDisk()
	if err != nil {
		return nil, err
	}
	s.conversations = convs
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(id string) (*Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := s.conversations[id]
	if sc == nil {
		return nil, false, nil
	}
	return sc.conversation(), sc.ShouldFetch, nil
}

func (s *FileStore) Save(convs ...*Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		s.conversations[c.ID] = toStored(c)
	}
	return s.writeLocked()
}

func (s *FileStore) Delete(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.conversations, id)
	}
	return s.writeLocked()
}

func (s *FileStore) MarkAllStale() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.conversations {
		sc.ShouldFetch = true
	}
	return s.writeLocked()
}

func (s *FileStore) readFromDisk() (map[string]*storedConversation, error) {
	convs := make(map[string]*storedConversation)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return convs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation store: %w", err)
	}
	if len(data) == 0 {
		return convs, nil
	}
	if err := storeDecMode.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("decode conversation store: %w", err)
	}
	return convs, nil
}

func (s *FileStore) writeLocked() error {
	data, err := storeEncMode.Marshal(s.conversations)
	if err != nil {
		return fmt.Errorf("encode conversation store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename temp to store: %w", err)
	}
	s.writeGen.Add(1)
	return nil
}

// --- fsnotify: another process replaced or removed the store file ---

// StartWatching reloads the store whenever the file changes on disk. A
// removed file empties the store. Calling it while already watching is a
// no-op.
func (s *FileStore) StartWatching() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go s.watchLoop(watcher)
	s.log.Debug("watching conversation store")
	return nil
}

func (s *FileStore) StopWatching() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

func (s *FileStore) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.reloadFromDisk()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("conversation store fsnotify error", "error", err)
		}
	}
}

func (s *FileStore) reloadFromDisk() {
	genBefore := s.writeGen.Load()
	convs, err := s.readFromDisk()
	if err != nil {
		// Likely caught mid-write; the next event retries.
		s.log.Debug("conversation store reload failed", "error", err)
		return
	}
	s.mu.Lock()
	if s.writeGen.Load() != genBefore {
		// A local write raced the reload; memory is already newer.
		s.mu.Unlock()
		return
	}
	s.conversations = convs
	s.mu.Unlock()
	s.log.Debug("conversation store reloaded", "count", len(convs))
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
