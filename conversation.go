package rtm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rtmkit/rtm-go/protocol"
)

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a snapshot of a conversation record. Values handed to
// callers are copies; mutating them does not touch the client's cache.
type Conversation struct {
	ID           string
	Name         string
	Creator      string
	Members      []string
	Attributes   map[string]any
	Unique       bool
	UniqueID     string
	Transient    bool
	Temporary    bool
	TemporaryTTL time.Duration
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasMember reports whether clientID is in the member list.
func (c *Conversation) HasMember(clientID string) bool {
	for _, m := range c.Members {
		if m == clientID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Members != nil {
		out.Members = append([]string(nil), c.Members...)
	}
	out.Attributes = cloneMap(c.Attributes)
	return &out
}

// apply merges update changes: the name key sets Name, every other key
// (with or without an "attr." prefix) sets a custom attribute.
func (c *Conversation) apply(changes map[string]any, at time.Time) {
	for k, v := range changes {
		if k == protocol.NameKey {
			if name, ok := v.(string); ok {
				c.Name = name
			}
			continue
		}
		if c.Attributes == nil {
			c.Attributes = make(map[string]any)
		}
		c.Attributes[strings.TrimPrefix(k, "attr.")] = cloneValue(v)
	}
	if !at.IsZero() {
		c.UpdatedAt = at
	}
}

func conversationFromRecord(r *protocol.Conversation) *Conversation {
	return &Conversation{
		ID:           r.ID,
		Name:         r.Name,
		Creator:      r.Creator,
		Members:      append([]string(nil), r.Members...),
		Attributes:   cloneMap(r.Attributes),
		Unique:       r.Unique,
		UniqueID:     r.UniqueID,
		Transient:    r.Transient,
		Temporary:    r.Temporary,
		TemporaryTTL: time.Duration(r.TTL) * time.Second,
		CreatedAt:    fromMillis(r.CreatedAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
	}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ============================================================================
// Create options
// ============================================================================

// ConversationOption is a set of creation flags.
type ConversationOption uint8

const (
	// OptionUnique returns the existing conversation with the same member
	// set instead of creating a new one.
	OptionUnique ConversationOption = 1 << iota
	// OptionTransient creates a chat room: no persisted membership.
	OptionTransient
	// OptionTemporary creates a conversation that expires after
	// CreateOptions.TemporaryTTL.
	OptionTemporary
)

func (o ConversationOption) Has(flag ConversationOption) bool { return o&flag != 0 }

type CreateOptions struct {
	Name         string
	Members      []string
	Attributes   map[string]any
	Options      ConversationOption
	TemporaryTTL time.Duration
}

func (o *CreateOptions) validate() error {
	if o.Options.Has(OptionTransient) && o.Options.Has(OptionUnique|OptionTemporary) {
		return invalidArgument("transient conversations cannot be unique or temporary")
	}
	if o.Options.Has(OptionTemporary) && o.TemporaryTTL < time.Second {
		return invalidArgument("temporary conversation requires a TTL of at least one second, got %s", o.TemporaryTTL)
	}
	for _, m := range o.Members {
		if m == "" || len(m) > maxClientIDLength {
			return invalidArgument("invalid member id %q", m)
		}
	}
	return nil
}

// QueryResult is one element of a QueryByIDs stream: either a conversation
// or the error that ended the stream.
type QueryResult struct {
	Conversation *Conversation
	Err          error
}

// ============================================================================
// ConversationManager
// ============================================================================

// ConversationManager creates, fetches and updates conversations and keeps
// an in-memory cache of them, optionally backed by a Store.
type ConversationManager struct {
	c     *Client
	store Store

	mu    sync.Mutex
	cache map[string]*cachedConversation
}

type cachedConversation struct {
	conv  *Conversation
	stale bool
}

func newConversationManager(c *Client) *ConversationManager {
	return &ConversationManager{
		c:     c,
		cache: make(map[string]*cachedConversation),
	}
}

// Create creates a conversation. Unless transient, the client itself is
// always a member. Argument errors are returned before anything is sent.
func (m *ConversationManager) Create(ctx context.Context, opts CreateOptions) (*Conversation, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	members := dedupe(opts.Members)
	transient := opts.Options.Has(OptionTransient)
	if !transient && !contains(members, m.c.id) {
		members = append(members, m.c.id)
	}

	params := protocol.StartParams{
		Name:       opts.Name,
		Members:    members,
		Attributes: cloneMap(opts.Attributes),
		Unique:     opts.Options.Has(OptionUnique),
		Transient:  transient,
		Temporary:  opts.Options.Has(OptionTemporary),
	}
	if params.Temporary {
		params.TTL = int(opts.TemporaryTTL / time.Second)
	}

	return runSerial(ctx, m.c.queue, func(ctx context.Context) (*Conversation, error) {
		s, err := m.c.current()
		if err != nil {
			return nil, err
		}
		if params.Signature, err = m.c.sign(ctx, SignatureStart, members); err != nil {
			return nil, err
		}
		var rec protocol.Conversation
		if err := s.call(ctx, m.c.cfg.CommandTimeout, protocol.MethodConvStart, params, &rec); err != nil {
			return nil, err
		}
		if rec.ID == "" {
			return nil, invalidResponse("conv.start returned no conversation id")
		}
		conv := conversationFromRecord(&rec)
		m.put(conv)
		m.c.log.Info("conversation created", "conversationId", conv.ID, "unique", conv.Unique, "temporary", conv.Temporary)
		return conv.Clone(), nil
	})
}

// QueryByIDs streams the conversations with the given ids. Cached
// conversations are emitted first, then the rest as the server returns
// them. Ids that match nothing are omitted. The channel is closed after the
// last result; an Err result is always the last one.
func (m *ConversationManager) QueryByIDs(ctx context.Context, ids []string) (<-chan QueryResult, error) {
	if len(ids) == 0 {
		return nil, invalidArgument("conversation id list is empty")
	}
	for _, id := range ids {
		if id == "" {
			return nil, invalidArgument("empty conversation id")
		}
	}
	ids = dedupe(ids)

	// Buffered for every result plus one error so the task queue never
	// waits on a slow reader.
	out := make(chan QueryResult, len(ids)+1)
	if !m.c.queue.enqueue(func() { m.query(ctx, ids, out) }) {
		out <- QueryResult{Err: ErrClientClosed}
		close(out)
	}
	return out, nil
}

func (m *ConversationManager) query(ctx context.Context, ids []string, out chan<- QueryResult) {
	defer close(out)
	if err := ctx.Err(); err != nil {
		out <- QueryResult{Err: contextError(err)}
		return
	}

	var missing []string
	for _, id := range ids {
		if conv := m.lookup(id); conv != nil {
			out <- QueryResult{Conversation: conv}
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return
	}

	s, err := m.c.current()
	if err != nil {
		out <- QueryResult{Err: err}
		return
	}
	for _, batch := range chunk(missing, protocol.MaxQueryClients) {
		convs, err := m.fetch(ctx, s, batch)
		if err != nil {
			out <- QueryResult{Err: err}
			return
		}
		for _, conv := range convs {
			out <- QueryResult{Conversation: conv.Clone()}
		}
	}
}

// lookup returns a copy of a fresh cached conversation, consulting the
// store when memory misses.
func (m *ConversationManager) lookup(id string) *Conversation {
	m.mu.Lock()
	entry := m.cache[id]
	if entry != nil && !entry.stale {
		conv := entry.conv.Clone()
		m.mu.Unlock()
		return conv
	}
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	conv, stale, err := m.store.Load(id)
	if err != nil {
		m.c.log.Warn("conversation store load failed", "conversationId", id, "error", err)
		return nil
	}
	if conv == nil || stale {
		return nil
	}
	m.mu.Lock()
	m.cache[id] = &cachedConversation{conv: conv.Clone()}
	m.mu.Unlock()
	return conv
}

func (m *ConversationManager) fetch(ctx context.Context, s *session, ids []string) ([]*Conversation, error) {
	var res protocol.ConvQueryResult
	if err := s.call(ctx, m.c.cfg.CommandTimeout, protocol.MethodConvQuery, protocol.ConvQueryParams{IDs: ids}, &res); err != nil {
		return nil, err
	}
	convs := make([]*Conversation, 0, len(res.Conversations))
	for i := range res.Conversations {
		if res.Conversations[i].ID == "" {
			continue
		}
		convs = append(convs, conversationFromRecord(&res.Conversations[i]))
	}
	m.put(convs...)
	return convs, nil
}

// Update changes a conversation's name and custom attributes. The key
// "name" sets the name; every other key sets the attribute of that name.
// Other online members receive an updated event.
func (m *ConversationManager) Update(ctx context.Context, conv *Conversation, changes map[string]any) (*Conversation, error) {
	if conv == nil || conv.ID == "" {
		return nil, invalidArgument("conversation is required")
	}
	if len(changes) == 0 {
		return nil, invalidArgument("no changes")
	}
	if v, ok := changes[protocol.NameKey]; ok {
		if _, isString := v.(string); !isString {
			return nil, invalidArgument("name must be a string, got %T", v)
		}
	}
	id := conv.ID
	base := conv.Clone()
	changes = cloneMap(changes)

	return runSerial(ctx, m.c.queue, func(ctx context.Context) (*Conversation, error) {
		s, err := m.c.current()
		if err != nil {
			return nil, err
		}
		var res protocol.UpdateResult
		params := protocol.UpdateParams{ConversationID: id, Attributes: changes}
		if err := s.call(ctx, m.c.cfg.CommandTimeout, protocol.MethodConvUpdate, params, &res); err != nil {
			return nil, err
		}

		m.mu.Lock()
		updated := base
		if entry := m.cache[id]; entry != nil && !entry.stale {
			updated = entry.conv.Clone()
		}
		m.mu.Unlock()

		updated.apply(changes, fromMillis(res.UpdatedAt))
		m.put(updated)
		return updated.Clone(), nil
	})
}

// RemoveAllCached drops every conversation from the in-memory cache. It
// never contacts the server and leaves the store untouched.
func (m *ConversationManager) RemoveAllCached() {
	m.mu.Lock()
	m.cache = make(map[string]*cachedConversation)
	m.mu.Unlock()
}

// Cached returns copies of the conversations with the given ids that are
// held in memory, in the order asked. It never contacts the server or the
// store.
func (m *ConversationManager) Cached(ids ...string) []*Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var convs []*Conversation
	for _, id := range ids {
		if entry := m.cache[id]; entry != nil {
			convs = append(convs, entry.conv.Clone())
		}
	}
	return convs
}

// RemoveCached drops the given conversations from the in-memory cache only.
func (m *ConversationManager) RemoveCached(ids ...string) {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.cache, id)
	}
	m.mu.Unlock()
}

// invalidate marks every cached and stored conversation for refetch.
func (m *ConversationManager) invalidate() {
	m.mu.Lock()
	for _, entry := range m.cache {
		entry.stale = true
	}
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.MarkAllStale(); err != nil {
			m.c.log.Warn("conversation store invalidate failed", "error", err)
		}
	}
}

func (m *ConversationManager) put(convs ...*Conversation) {
	if len(convs) == 0 {
		return
	}
	m.mu.Lock()
	for _, conv := range convs {
		m.cache[conv.ID] = &cachedConversation{conv: conv.Clone()}
	}
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Save(convs...); err != nil {
			m.c.log.Warn("conversation store save failed", "error", err)
		}
	}
}

func (m *ConversationManager) drop(id string) *Conversation {
	m.mu.Lock()
	entry := m.cache[id]
	delete(m.cache, id)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			m.c.log.Warn("conversation store delete failed", "conversationId", id, "error", err)
		}
	}
	if entry != nil {
		return entry.conv.Clone()
	}
	return &Conversation{ID: id}
}

// ============================================================================
// Pushes
// ============================================================================

// handleEvent runs on the client's task queue.
func (m *ConversationManager) handleEvent(s *session, method string, ev *protocol.ConvEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.c.cfg.CommandTimeout)
	defer cancel()
	log := m.c.log.With("conversationId", ev.ConversationID, "by", ev.InitBy)

	switch method {
	case protocol.NotifyConvJoined:
		conv := m.resolve(ctx, s, ev.ConversationID)
		log.Debug("invited to conversation")
		m.c.dispatch(Event{Kind: EventInvited, Conversation: conv, By: ev.InitBy})

	case protocol.NotifyConvLeft:
		conv := m.drop(ev.ConversationID)
		log.Debug("removed from conversation")
		m.c.dispatch(Event{Kind: EventKicked, Conversation: conv, By: ev.InitBy})

	case protocol.NotifyConvUpdated:
		at := fromMillis(ev.UpdatedAt)
		var conv *Conversation
		m.mu.Lock()
		if entry := m.cache[ev.ConversationID]; entry != nil && !entry.stale {
			entry.conv.apply(ev.Attributes, at)
			conv = entry.conv.Clone()
		}
		m.mu.Unlock()
		if conv != nil {
			if m.store != nil {
				if err := m.store.Save(conv); err != nil {
					log.Warn("conversation store save failed", "error", err)
				}
			}
		} else {
			conv = m.resolve(ctx, s, ev.ConversationID)
		}
		log.Debug("conversation updated", "keys", len(ev.Attributes))
		m.c.dispatch(Event{Kind: EventUpdated, Conversation: conv, By: ev.InitBy, Attributes: cloneMap(ev.Attributes), At: at})
	}
}

// resolve fetches the latest record for id. Events are still delivered
// when the fetch fails, carrying only the id.
func (m *ConversationManager) resolve(ctx context.Context, s *session, id string) *Conversation {
	convs, err := m.fetch(ctx, s, []string{id})
	if err != nil {
		m.c.log.Warn("conversation fetch failed", "conversationId", id, "error", err)
		return &Conversation{ID: id}
	}
	for _, conv := range convs {
		if conv.ID == id {
			return conv.Clone()
		}
	}
	return &Conversation{ID: id}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
