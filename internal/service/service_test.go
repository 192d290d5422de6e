package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lockstep/api/internal/config"
	"lockstep/api/internal/events"
	"lockstep/api/internal/models"
	"lockstep/api/internal/repository"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Security: config.SecurityConfig{
			JWTAccessSecret: "test-secret-test-secret-test-secret",
			AccessTTL:       15 * time.Minute,
			RefreshTTL:      720 * time.Hour,
			IdleTimeout:     30 * time.Minute,
			AbsoluteTimeout: 24 * time.Hour,
			MaxSessions:     10,
			TravelWindow:    time.Hour,
		},
		Jobs: config.JobsConfig{SweepRetry: 1},
	}
}

// fakeSessionStore mirrors the row-level semantics of the postgres store:
// status-guarded updates report whether a row actually changed.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]models.Session)}
}

func (s *fakeSessionStore) Create(_ context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *fakeSessionStore) GetByID(_ context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.Session{}, repository.ErrSessionNotFound
	}
	return session, nil
}

func (s *fakeSessionStore) ListActiveByUser(_ context.Context, userID string) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, session := range s.sessions {
		if session.UserID == userID && session.Status != models.SessionStatusEnded {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *fakeSessionStore) Heartbeat(_ context.Context, id string, idleExpiresAt time.Time, leader *bool, metadata map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status == models.SessionStatusEnded {
		return false, nil
	}
	session.IdleExpiresAt = idleExpiresAt
	session.LastActivityAt = time.Now()
	session.Status = models.SessionStatusActive
	if leader != nil {
		session.Leader = *leader
	}
	if metadata != nil {
		session.Metadata = metadata
	}
	s.sessions[id] = session
	return true, nil
}

func (s *fakeSessionStore) MarkEnded(_ context.Context, id string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status == models.SessionStatusEnded {
		return false, nil
	}
	now := time.Now()
	session.Status = models.SessionStatusEnded
	session.EndedAt = &now
	session.EndReason = reason
	s.sessions[id] = session
	return true, nil
}

func (s *fakeSessionStore) ExpiredBefore(_ context.Context, now time.Time, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, session := range s.sessions {
		if session.Status == models.SessionStatusEnded {
			continue
		}
		if session.Expired(now) {
			out = append(out, session)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSessionStore) put(session models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

// fakeRefreshStore reproduces the redis CAS semantics in memory.
type fakeRefreshStore struct {
	mu      sync.Mutex
	records map[string]models.RefreshRecord
	chains  map[string][]string
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{
		records: make(map[string]models.RefreshRecord),
		chains:  make(map[string][]string),
	}
}

func (s *fakeRefreshStore) Save(_ context.Context, record models.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.TokenHash] = record
	s.chains[record.SessionID] = append(s.chains[record.SessionID], record.TokenHash)
	return nil
}

func (s *fakeRefreshStore) GetByHash(_ context.Context, tokenHash string) (models.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[tokenHash]
	if !ok {
		return models.RefreshRecord{}, repository.ErrRefreshNotFound
	}
	return record, nil
}

func (s *fakeRefreshStore) Rotate(_ context.Context, tokenHash string) (repository.RotateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[tokenHash]
	if !ok {
		return repository.RotateOutcome{}, repository.ErrRefreshNotFound
	}
	if record.State != models.RefreshStateActive {
		return repository.RotateOutcome{Conflict: true, Record: record}, nil
	}
	record.State = models.RefreshStateRotated
	s.records[tokenHash] = record
	return repository.RotateOutcome{Rotated: true, Record: record}, nil
}

func (s *fakeRefreshStore) RevokeChain(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for _, hash := range s.chains[sessionID] {
		record, ok := s.records[hash]
		if !ok || record.State == models.RefreshStateRevoked {
			continue
		}
		record.State = models.RefreshStateRevoked
		s.records[hash] = record
		revoked++
	}
	return revoked, nil
}

func (s *fakeRefreshStore) states(sessionID string) []models.RefreshState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RefreshState
	for _, hash := range s.chains[sessionID] {
		if record, ok := s.records[hash]; ok {
			out = append(out, record.State)
		}
	}
	return out
}

type fakeUserLookup struct {
	mu    sync.Mutex
	users map[string]models.User
}

func newFakeUserLookup(users ...models.User) *fakeUserLookup {
	f := &fakeUserLookup{users: make(map[string]models.User)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUserLookup) GetByID(_ context.Context, id string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeUserLookup) put(user models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
}

// fakeDeviceStore mirrors the (user_id, fingerprint) upsert semantics.
type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[string]models.Device // keyed userID + "|" + fingerprint
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: make(map[string]models.Device)}
}

func deviceKey(userID, fingerprint string) string { return userID + "|" + fingerprint }

func (s *fakeDeviceStore) Upsert(_ context.Context, device models.Device) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(device.UserID, device.Fingerprint)
	now := time.Now()
	existing, ok := s.devices[key]
	if !ok {
		device.SeenCount = 1
		device.FirstSeenAt = now
		device.LastSeenAt = now
		s.devices[key] = device
		return device, nil
	}
	existing.Name = device.Name
	existing.TrustLevel = device.TrustLevel
	existing.RiskScore = device.RiskScore
	existing.IPPrefix = device.IPPrefix
	existing.SeenCount++
	existing.LastSeenAt = now
	s.devices[key] = existing
	return existing, nil
}

func (s *fakeDeviceStore) FindByFingerprint(_ context.Context, userID string, fingerprint string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceKey(userID, fingerprint)]
	if !ok {
		return models.Device{}, repository.ErrDeviceNotFound
	}
	return device, nil
}

func (s *fakeDeviceStore) ListByUser(_ context.Context, userID string) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Device
	for _, device := range s.devices {
		if device.UserID == userID {
			out = append(out, device)
		}
	}
	return out, nil
}

func (s *fakeDeviceStore) put(device models.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceKey(device.UserID, device.Fingerprint)] = device
}

type fakeEventSink struct {
	mu      sync.Mutex
	inserts []models.SecurityEvent
}

func (s *fakeEventSink) Insert(_ context.Context, event models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, event)
	return nil
}

func (s *fakeEventSink) byType(kind string) []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SecurityEvent
	for _, event := range s.inserts {
		if event.Type == kind {
			out = append(out, event)
		}
	}
	return out
}

type publishedEvent struct {
	Channel string
	Event   events.Event
}

type fakeBus struct {
	mu        sync.Mutex
	published []publishedEvent
}

func (b *fakeBus) Publish(_ context.Context, channel string, ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedEvent{Channel: channel, Event: ev})
}

func (b *fakeBus) byType(t events.EventType) []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedEvent
	for _, p := range b.published {
		if p.Event.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// harness bundles the wired service graph over in-memory stores.
type harness struct {
	cfg      *config.AppConfig
	sessions *fakeSessionStore
	refresh  *fakeRefreshStore
	users    *fakeUserLookup
	devices  *fakeDeviceStore
	sink     *fakeEventSink
	bus      *fakeBus
	rec      *SecurityRecorder
	registry *SessionRegistry
	tokens   *TokenAuthority
	trust    *DeviceTrustEvaluator
}

func newHarness() *harness {
	cfg := testConfig()
	log := zerolog.Nop()

	sessions := newFakeSessionStore()
	refresh := newFakeRefreshStore()
	users := newFakeUserLookup()
	devices := newFakeDeviceStore()
	sink := &fakeEventSink{}
	bus := &fakeBus{}

	rec := NewSecurityRecorder(sink, bus, log)
	registry := NewSessionRegistry(cfg, sessions, refresh, bus, rec, log)
	tokens := NewTokenAuthority(cfg, refresh, users, registry, rec, bus, log)
	trust := NewDeviceTrustEvaluator(cfg, devices, rec, log)

	return &harness{
		cfg:      cfg,
		sessions: sessions,
		refresh:  refresh,
		users:    users,
		devices:  devices,
		sink:     sink,
		bus:      bus,
		rec:      rec,
		registry: registry,
		tokens:   tokens,
		trust:    trust,
	}
}

func (h *harness) seedUser(id string, status models.UserStatus) models.User {
	user := models.User{
		ID:     id,
		Email:  id + "@example.com",
		Role:   models.UserRoleUser,
		Status: status,
	}
	h.users.put(user)
	return user
}
