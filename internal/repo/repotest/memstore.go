// Package repotest provides an in-memory repo.Store used by engine and
// scheduler tests. Transactions are serialized on a single mutex and roll back
// by snapshot, which gives the same observable semantics as the row-locked
// stores: at most one writer decides a conditional transition.
package repotest

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/repo"
)

type state struct {
	users        map[int64]*repo.User
	services     map[int64]*repo.Service
	numbers      map[int64]*repo.Number
	reservations map[int64]*repo.Reservation
	transactions []repo.Transaction
	providers    map[int64]*repo.Provider
	groups       map[int64]*repo.ServiceGroup
	inbound      map[int64]*repo.InboundMessage
	blocked      []repo.BlockedMessage
	nextID       int64
}

// MemStore is an in-memory implementation of repo.Store.
type MemStore struct {
	mu sync.Mutex
	st *state
}

// New returns an empty MemStore.
func New() *MemStore {
	return &MemStore{st: &state{
		users:        map[int64]*repo.User{},
		services:     map[int64]*repo.Service{},
		numbers:      map[int64]*repo.Number{},
		reservations: map[int64]*repo.Reservation{},
		providers:    map[int64]*repo.Provider{},
		groups:       map[int64]*repo.ServiceGroup{},
		inbound:      map[int64]*repo.InboundMessage{},
		nextID:       1,
	}}
}

func (s *state) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *state) clone() *state {
	dup := &state{
		users:        map[int64]*repo.User{},
		services:     map[int64]*repo.Service{},
		numbers:      map[int64]*repo.Number{},
		reservations: map[int64]*repo.Reservation{},
		providers:    map[int64]*repo.Provider{},
		groups:       map[int64]*repo.ServiceGroup{},
		inbound:      map[int64]*repo.InboundMessage{},
		nextID:       s.nextID,
	}
	for k, v := range s.users {
		u := *v
		dup.users[k] = &u
	}
	for k, v := range s.services {
		sv := *v
		dup.services[k] = &sv
	}
	for k, v := range s.numbers {
		n := *v
		dup.numbers[k] = &n
	}
	for k, v := range s.reservations {
		r := *v
		dup.reservations[k] = &r
	}
	for k, v := range s.providers {
		p := *v
		dup.providers[k] = &p
	}
	for k, v := range s.groups {
		g := *v
		dup.groups[k] = &g
	}
	for k, v := range s.inbound {
		m := *v
		dup.inbound[k] = &m
	}
	dup.transactions = append(dup.transactions, s.transactions...)
	dup.blocked = append(dup.blocked, s.blocked...)
	return dup
}

// Seed helpers

// AddUser inserts a user and returns its id.
func (m *MemStore) AddUser(u repo.User) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.st.id()
	}
	if u.JoinedAt.IsZero() {
		u.JoinedAt = time.Now()
	}
	m.st.users[u.ID] = &u
	return u.ID
}

// AddService inserts a service and returns its id.
func (m *MemStore) AddService(s repo.Service) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.st.id()
	}
	m.st.services[s.ID] = &s
	return s.ID
}

// AddNumber inserts a number and returns its id.
func (m *MemStore) AddNumber(n repo.Number) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == 0 {
		n.ID = m.st.id()
	}
	if n.Status == "" {
		n.Status = repo.NumberAvailable
	}
	m.st.numbers[n.ID] = &n
	return n.ID
}

// AddGroup inserts a service group and returns its id.
func (m *MemStore) AddGroup(g repo.ServiceGroup) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == 0 {
		g.ID = m.st.id()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	m.st.groups[g.ID] = &g
	return g.ID
}

// AddProvider inserts a provider and returns its id.
func (m *MemStore) AddProvider(p repo.Provider) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.st.id()
	}
	m.st.providers[p.ID] = &p
	return p.ID
}

// AddReservation inserts a reservation and returns its id.
func (m *MemStore) AddReservation(r repo.Reservation) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.st.id()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.st.reservations[r.ID] = &r
	return r.ID
}

// Transactions returns a copy of the ledger entries.
func (m *MemStore) Transactions() []repo.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repo.Transaction, len(m.st.transactions))
	copy(out, m.st.transactions)
	return out
}

// Blocked returns a copy of the blocked-message trail.
func (m *MemStore) Blocked() []repo.BlockedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repo.BlockedMessage, len(m.st.blocked))
	copy(out, m.st.blocked)
	return out
}

// Inbound returns a copy of the audit row with the given id.
func (m *MemStore) Inbound(id int64) (repo.InboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.st.inbound[id]
	if !ok {
		return repo.InboundMessage{}, false
	}
	return *msg, true
}

// InboundByText returns the first audit row whose text matches.
func (m *MemStore) InboundByText(text string) (repo.InboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.st.inbound))
	for id := range m.st.inbound {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if m.st.inbound[id].Text == text {
			return *m.st.inbound[id], true
		}
	}
	return repo.InboundMessage{}, false
}

// Lifecycle

func (m *MemStore) Close() {}

func (m *MemStore) Ping(context.Context) error { return nil }

func (m *MemStore) RunMigrations(context.Context, fs.FS) error { return nil }

// InTx serializes transactions on the store mutex and rolls back on error.
func (m *MemStore) InTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.st.clone()
	if err := fn(&memTx{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Non-transactional reads

func (m *MemStore) GetNumber(_ context.Context, id int64) (*repo.Number, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.st.numbers[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	dup := *n
	return &dup, nil
}

func (m *MemStore) FindNumberByPhone(_ context.Context, serviceID int64, phone string) (*repo.Number, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.st.numbers {
		if n.ServiceID == serviceID && n.PhoneNumber == phone {
			dup := *n
			return &dup, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *MemStore) CountAvailable(_ context.Context, serviceID int64, countryCode string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return countAvailable(m.st, serviceID, countryCode), nil
}

func (m *MemStore) GetReservation(_ context.Context, id int64) (*repo.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.reservations[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	dup := *r
	return &dup, nil
}

func (m *MemStore) FindWaitingReservationByNumber(_ context.Context, numberID int64) (*repo.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.st.reservations {
		if r.NumberID == numberID && r.Status == repo.ReservationWaitingCode {
			dup := *r
			return &dup, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *MemStore) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]repo.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Reservation
	for _, r := range m.st.reservations {
		if r.Status == repo.ReservationWaitingCode && r.ExpiresAt.Before(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) GetUser(_ context.Context, id int64) (*repo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.st.users[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	dup := *u
	return &dup, nil
}

func (m *MemStore) GetUserByChatID(_ context.Context, chatID string) (*repo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.st.users {
		if u.ChatID == chatID {
			dup := *u
			return &dup, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *MemStore) ListTransactions(_ context.Context, userID int64, limit, offset int) ([]repo.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Transaction
	for _, tx := range m.st.transactions {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) InsertInboundMessage(_ context.Context, msg repo.InboundMessage) (*repo.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = m.st.id()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	if msg.Status == "" {
		msg.Status = repo.MessagePending
	}
	m.st.inbound[msg.ID] = &msg
	dup := msg
	return &dup, nil
}

func (m *MemStore) UpdateInboundStatus(_ context.Context, id int64, status repo.MessageStatus, processedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.st.inbound[id]
	if !ok {
		return repo.ErrNotFound
	}
	msg.Status = status
	msg.ProcessedAt = processedAt
	return nil
}

func (m *MemStore) InsertBlockedMessage(_ context.Context, msg repo.BlockedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = m.st.id()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.st.blocked = append(m.st.blocked, msg)
	return nil
}

func (m *MemStore) SearchRecentMessages(_ context.Context, serviceID int64, phone string, since time.Time, limit int) ([]repo.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.InboundMessage
	for _, msg := range m.st.inbound {
		if msg.ServiceID != nil && *msg.ServiceID == serviceID &&
			strings.Contains(msg.Text, phone) && !msg.ReceivedAt.Before(since) {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) GetServiceByID(_ context.Context, id int64) (*repo.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.services[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	dup := *s
	return &dup, nil
}

func (m *MemStore) GetServiceByName(_ context.Context, name string) (*repo.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.st.services {
		if strings.EqualFold(s.Name, name) {
			dup := *s
			return &dup, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *MemStore) ListServices(_ context.Context, activeOnly bool) ([]repo.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Service
	for _, s := range m.st.services {
		if !activeOnly || s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) GetServiceGroupByChat(_ context.Context, groupChatID string) (*repo.ServiceGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.st.groups {
		if g.GroupChatID == groupChatID && g.Active {
			dup := *g
			return &dup, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *MemStore) ListServiceGroups(_ context.Context, serviceID int64) ([]repo.ServiceGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.ServiceGroup
	for _, g := range m.st.groups {
		if g.ServiceID == serviceID && g.Active {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) ListActiveProviders(_ context.Context, mode repo.ProviderMode) ([]repo.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Provider
	for _, p := range m.st.providers {
		if p.Active && p.Mode == mode {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) GetProviderByName(_ context.Context, name string) (*repo.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.st.providers {
		if strings.EqualFold(p.Name, name) {
			dup := *p
			return &dup, nil
		}
	}
	return nil, repo.ErrNotFound
}

// memTx implements repo.Tx against the live state; InTx holds the lock.
type memTx struct {
	st *state
}

func (t *memTx) ReservationForUpdate(_ context.Context, id int64) (*repo.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	dup := *r
	return &dup, nil
}

func (t *memTx) UserForUpdate(_ context.Context, id int64) (*repo.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	dup := *u
	return &dup, nil
}

func (t *memTx) NumberForUpdate(_ context.Context, id int64) (*repo.Number, error) {
	n, ok := t.st.numbers[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	dup := *n
	return &dup, nil
}

func (t *memTx) GetService(_ context.Context, id int64) (*repo.Service, error) {
	s, ok := t.st.services[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	dup := *s
	return &dup, nil
}

func (t *memTx) ClaimAvailableNumber(_ context.Context, serviceID int64, countryCode string, userID int64, expiresAt time.Time) (*repo.Number, error) {
	ids := make([]int64, 0, len(t.st.numbers))
	for id := range t.st.numbers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		n := t.st.numbers[id]
		if n.ServiceID == serviceID && n.CountryCode == countryCode && n.Status == repo.NumberAvailable {
			now := time.Now()
			n.Status = repo.NumberReserved
			n.ReservedBy = &userID
			n.ReservedAt = &now
			expires := expiresAt
			n.ExpiresAt = &expires
			dup := *n
			return &dup, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (t *memTx) InsertReservation(_ context.Context, res repo.Reservation) (*repo.Reservation, error) {
	res.ID = t.st.id()
	res.CreatedAt = time.Now()
	t.st.reservations[res.ID] = &res
	dup := res
	return &dup, nil
}

func (t *memTx) TransitionReservation(_ context.Context, id int64, from, to repo.ReservationStatus, now time.Time) (bool, error) {
	r, ok := t.st.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if to == repo.ReservationCompleted {
		completed := now
		r.CompletedAt = &completed
	}
	return true, nil
}

func (t *memTx) SetReservationCode(_ context.Context, id int64, code string, completedAt time.Time) error {
	r, ok := t.st.reservations[id]
	if !ok {
		return repo.ErrNotFound
	}
	r.CodeValue = &code
	r.CompletedAt = &completedAt
	return nil
}

func (t *memTx) MarkNumberUsed(_ context.Context, id int64, codeReceivedAt time.Time) error {
	n, ok := t.st.numbers[id]
	if !ok {
		return repo.ErrNotFound
	}
	n.Status = repo.NumberUsed
	n.CodeReceivedAt = &codeReceivedAt
	return nil
}

func (t *memTx) ReleaseNumber(_ context.Context, id int64) error {
	n, ok := t.st.numbers[id]
	if !ok {
		return repo.ErrNotFound
	}
	n.Status = repo.NumberAvailable
	n.ReservedBy = nil
	n.ReservedAt = nil
	n.ExpiresAt = nil
	return nil
}

func (t *memTx) CountAvailableNumbers(_ context.Context, serviceID int64, countryCode string) (int, error) {
	return countAvailable(t.st, serviceID, countryCode), nil
}

func (t *memTx) DebitUser(_ context.Context, id int64, amount int64) error {
	u, ok := t.st.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.Balance -= amount
	return nil
}

func (t *memTx) CreditUser(_ context.Context, id int64, amount int64) error {
	u, ok := t.st.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.Balance += amount
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, entry repo.Transaction) error {
	entry.ID = t.st.id()
	entry.CreatedAt = time.Now()
	t.st.transactions = append(t.st.transactions, entry)
	return nil
}

func countAvailable(s *state, serviceID int64, countryCode string) int {
	count := 0
	for _, n := range s.numbers {
		if n.ServiceID == serviceID && n.CountryCode == countryCode && n.Status == repo.NumberAvailable {
			count++
		}
	}
	return count
}
