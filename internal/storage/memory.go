package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and single-node embeddings.
// WithTx serializes on a single lock and restores a snapshot on error, which
// gives the same observable atomicity as the postgres implementation.
type Memory struct {
	mu   *sync.RWMutex
	data *memData
	inTx bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{mu: &sync.RWMutex{}, data: newMemData()}
}

type memData struct {
	realms       map[string]Realm
	users        map[uuid.UUID]User
	roles        map[string]Role // realm + "/" + name
	tokens       map[uuid.UUID]StoredToken
	tokensByHash map[string]uuid.UUID
	attempts     map[uuid.UUID]FailedAttempt
	locks        map[uuid.UUID]AccountLock
	mfaMethods   map[uuid.UUID]MFAMethod
	challenges   map[uuid.UUID]MFAChallenge
	devices      map[uuid.UUID]MFATrustedDevice
	backupCodes  map[uuid.UUID][]MFABackupCode
	sessions     map[uuid.UUID]Session
	history      map[uuid.UUID]SessionHistoryEntry // keyed by session id
	audit        []AuditEvent
}

func newMemData() *memData {
	return &memData{
		realms:       make(map[string]Realm),
		users:        make(map[uuid.UUID]User),
		roles:        make(map[string]Role),
		tokens:       make(map[uuid.UUID]StoredToken),
		tokensByHash: make(map[string]uuid.UUID),
		attempts:     make(map[uuid.UUID]FailedAttempt),
		locks:        make(map[uuid.UUID]AccountLock),
		mfaMethods:   make(map[uuid.UUID]MFAMethod),
		challenges:   make(map[uuid.UUID]MFAChallenge),
		devices:      make(map[uuid.UUID]MFATrustedDevice),
		backupCodes:  make(map[uuid.UUID][]MFABackupCode),
		sessions:     make(map[uuid.UUID]Session),
		history:      make(map[uuid.UUID]SessionHistoryEntry),
		audit:        nil,
	}
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (d *memData) clone() *memData {
	c := &memData{
		realms:       copyMap(d.realms),
		users:        copyMap(d.users),
		roles:        copyMap(d.roles),
		tokens:       copyMap(d.tokens),
		tokensByHash: copyMap(d.tokensByHash),
		attempts:     copyMap(d.attempts),
		locks:        copyMap(d.locks),
		mfaMethods:   copyMap(d.mfaMethods),
		challenges:   copyMap(d.challenges),
		devices:      copyMap(d.devices),
		backupCodes:  make(map[uuid.UUID][]MFABackupCode, len(d.backupCodes)),
		sessions:     copyMap(d.sessions),
		history:      copyMap(d.history),
		audit:        append([]AuditEvent(nil), d.audit...),
	}
	for k, v := range d.backupCodes {
		c.backupCodes[k] = append([]MFABackupCode(nil), v...)
	}
	for id, u := range c.users {
		u.Roles = append([]string(nil), u.Roles...)
		c.users[id] = u
	}
	return c
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) rlock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// WithTx runs fn against a locked view and rolls the data back if fn fails.
// Nested calls join the outer transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	tx := &Memory{mu: m.mu, data: m.data, inTx: true}
	if err := fn(tx); err != nil {
		*m.data = *snapshot
		return err
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Realms

func (m *Memory) CreateRealm(ctx context.Context, r Realm) error {
	defer m.lock()()
	if _, ok := m.data.realms[r.Name]; ok {
		return ErrAlreadyExists
	}
	m.data.realms[r.Name] = r
	return nil
}

func (m *Memory) GetRealm(ctx context.Context, name string) (Realm, error) {
	defer m.rlock()()
	r, ok := m.data.realms[name]
	if !ok {
		return Realm{}, ErrNotFound
	}
	return r, nil
}

// Users

func (m *Memory) CreateUser(ctx context.Context, u User) error {
	defer m.lock()()
	if _, ok := m.data.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	for _, other := range m.data.users {
		if other.Realm != u.Realm {
			continue
		}
		if u.Email != "" && strings.EqualFold(other.Email, u.Email) {
			return ErrEmailExists
		}
		if u.Phone != "" && other.Phone == u.Phone {
			return ErrPhoneExists
		}
	}
	u.Roles = append([]string(nil), u.Roles...)
	m.data.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	defer m.rlock()()
	u, ok := m.data.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, realm, email string) (User, error) {
	defer m.rlock()()
	for _, u := range m.data.users {
		if u.Realm == realm && u.Email != "" && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *Memory) GetUserByPhone(ctx context.Context, realm, phone string) (User, error) {
	defer m.rlock()()
	for _, u := range m.data.users {
		if u.Realm == realm && u.Phone != "" && u.Phone == phone {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *Memory) ListUsers(ctx context.Context, realm string) ([]User, error) {
	defer m.rlock()()
	var out []User
	for _, u := range m.data.users {
		if u.Realm == realm {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateUser(ctx context.Context, id uuid.UUID, updater func(User) (User, error)) error {
	defer m.lock()()
	u, ok := m.data.users[id]
	if !ok {
		return ErrNotFound
	}
	updated, err := updater(u)
	if err != nil {
		return err
	}
	for _, other := range m.data.users {
		if other.ID == id || other.Realm != updated.Realm {
			continue
		}
		if updated.Email != "" && strings.EqualFold(other.Email, updated.Email) {
			return ErrEmailExists
		}
		if updated.Phone != "" && other.Phone == updated.Phone {
			return ErrPhoneExists
		}
	}
	updated.ID = id
	m.data.users[id] = updated
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, id uuid.UUID) error {
	defer m.lock()()
	if _, ok := m.data.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.users, id)
	for tid, t := range m.data.tokens {
		if t.UserID == id {
			delete(m.data.tokensByHash, t.TokenHash)
			delete(m.data.tokens, tid)
		}
	}
	for aid, a := range m.data.attempts {
		if a.UserID == id {
			delete(m.data.attempts, aid)
		}
	}
	delete(m.data.locks, id)
	for mid, meth := range m.data.mfaMethods {
		if meth.UserID == id {
			delete(m.data.mfaMethods, mid)
		}
	}
	for cid, c := range m.data.challenges {
		if c.UserID == id {
			delete(m.data.challenges, cid)
		}
	}
	for did, d := range m.data.devices {
		if d.UserID == id {
			delete(m.data.devices, did)
		}
	}
	delete(m.data.backupCodes, id)
	for sid, s := range m.data.sessions {
		if s.UserID == id {
			delete(m.data.sessions, sid)
		}
	}
	for hid, h := range m.data.history {
		if h.UserID == id {
			delete(m.data.history, hid)
		}
	}
	return nil
}

// Roles

func roleKey(realm, name string) string { return realm + "/" + name }

func (m *Memory) CreateRole(ctx context.Context, r Role) error {
	defer m.lock()()
	key := roleKey(r.Realm, r.Name)
	if _, ok := m.data.roles[key]; ok {
		return ErrAlreadyExists
	}
	m.data.roles[key] = r
	return nil
}

func (m *Memory) GetRole(ctx context.Context, realm, name string) (Role, error) {
	defer m.rlock()()
	r, ok := m.data.roles[roleKey(realm, name)]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRoles(ctx context.Context, realm string) ([]Role, error) {
	defer m.rlock()()
	var out []Role
	for _, r := range m.data.roles {
		if r.Realm == realm {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteRole(ctx context.Context, realm, name string) error {
	defer m.lock()()
	key := roleKey(realm, name)
	if _, ok := m.data.roles[key]; !ok {
		return ErrNotFound
	}
	delete(m.data.roles, key)
	return nil
}

// Tokens

func (m *Memory) CreateToken(ctx context.Context, t StoredToken) error {
	defer m.lock()()
	if _, ok := m.data.tokens[t.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.data.tokensByHash[t.TokenHash]; ok {
		return ErrAlreadyExists
	}
	m.data.tokens[t.ID] = t
	m.data.tokensByHash[t.TokenHash] = t.ID
	return nil
}

func (m *Memory) GetTokenByHash(ctx context.Context, hash string) (StoredToken, error) {
	defer m.rlock()()
	id, ok := m.data.tokensByHash[hash]
	if !ok {
		return StoredToken{}, ErrNotFound
	}
	return m.data.tokens[id], nil
}

func (m *Memory) ListTokensByFamily(ctx context.Context, family uuid.UUID) ([]StoredToken, error) {
	defer m.rlock()()
	var out []StoredToken
	for _, t := range m.data.tokens {
		if t.TokenFamily == family {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateToken(ctx context.Context, id uuid.UUID, updater func(StoredToken) (StoredToken, error)) error {
	defer m.lock()()
	t, ok := m.data.tokens[id]
	if !ok {
		return ErrNotFound
	}
	updated, err := updater(t)
	if err != nil {
		return err
	}
	updated.ID = id
	if updated.TokenHash != t.TokenHash {
		delete(m.data.tokensByHash, t.TokenHash)
		m.data.tokensByHash[updated.TokenHash] = id
	}
	m.data.tokens[id] = updated
	return nil
}

func (m *Memory) RevokeTokensByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	defer m.lock()()
	n := 0
	for id, t := range m.data.tokens {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			m.data.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (m *Memory) RevokeTokensByFamily(ctx context.Context, family uuid.UUID) (int, error) {
	defer m.lock()()
	n := 0
	for id, t := range m.data.tokens {
		if t.TokenFamily == family && !t.Revoked {
			t.Revoked = true
			m.data.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteToken(ctx context.Context, id uuid.UUID) error {
	defer m.lock()()
	t, ok := m.data.tokens[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.data.tokensByHash, t.TokenHash)
	delete(m.data.tokens, id)
	return nil
}

func (m *Memory) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	defer m.lock()()
	n := 0
	for id, t := range m.data.tokens {
		if t.ExpiresAt.Before(before) {
			delete(m.data.tokensByHash, t.TokenHash)
			delete(m.data.tokens, id)
			n++
		}
	}
	return n, nil
}

// Failed attempts

func (m *Memory) CreateFailedAttempt(ctx context.Context, a FailedAttempt) error {
	defer m.lock()()
	if _, ok := m.data.attempts[a.ID]; ok {
		return ErrAlreadyExists
	}
	m.data.attempts[a.ID] = a
	return nil
}

func (m *Memory) CountFailedAttemptsByIdentifier(ctx context.Context, realm, identifier string, since time.Time) (int, error) {
	defer m.rlock()()
	n := 0
	for _, a := range m.data.attempts {
		if a.Realm == realm && a.Identifier == identifier && a.AttemptedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountFailedAttemptsByIP(ctx context.Context, realm, ip string, since time.Time) (int, error) {
	defer m.rlock()()
	n := 0
	for _, a := range m.data.attempts {
		if a.Realm == realm && a.IPAddress != "" && a.IPAddress == ip && a.AttemptedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountFailedAttemptsByUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	defer m.rlock()()
	n := 0
	for _, a := range m.data.attempts {
		if a.UserID == userID && a.UserID != uuid.Nil && a.AttemptedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteFailedAttemptsBefore(ctx context.Context, realm, identifier string, cutoff time.Time) error {
	defer m.lock()()
	for id, a := range m.data.attempts {
		if a.Realm == realm && a.Identifier == identifier && a.AttemptedAt.Before(cutoff) {
			delete(m.data.attempts, id)
		}
	}
	return nil
}

func (m *Memory) DeleteFailedAttemptsByIdentifier(ctx context.Context, realm, identifier string) error {
	defer m.lock()()
	for id, a := range m.data.attempts {
		if a.Realm == realm && a.Identifier == identifier {
			delete(m.data.attempts, id)
		}
	}
	return nil
}

func (m *Memory) DeleteFailedAttemptsByUser(ctx context.Context, userID uuid.UUID) error {
	defer m.lock()()
	for id, a := range m.data.attempts {
		if a.UserID == userID {
			delete(m.data.attempts, id)
		}
	}
	return nil
}

// Account locks

func (m *Memory) UpsertAccountLock(ctx context.Context, l AccountLock) error {
	defer m.lock()()
	m.data.locks[l.UserID] = l
	return nil
}

func (m *Memory) GetAccountLock(ctx context.Context, userID uuid.UUID) (AccountLock, error) {
	defer m.rlock()()
	l, ok := m.data.locks[userID]
	if !ok {
		return AccountLock{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) DeleteAccountLock(ctx context.Context, userID uuid.UUID) error {
	defer m.lock()()
	if _, ok := m.data.locks[userID]; !ok {
		return ErrNotFound
	}
	delete(m.data.locks, userID)
	return nil
}

// MFA methods

func (m *Memory) CreateMFAMethod(ctx context.Context, meth MFAMethod) error {
	defer m.lock()()
	if _, ok := m.data.mfaMethods[meth.ID]; ok {
		return ErrAlreadyExists
	}
	m.data.mfaMethods[meth.ID] = meth
	return nil
}

func (m *Memory) GetMFAMethod(ctx context.Context, id uuid.UUID) (MFAMethod, error) {
	defer m.rlock()()
	meth, ok := m.data.mfaMethods[id]
	if !ok {
		return MFAMethod{}, ErrNotFound
	}
	return meth, nil
}

func (m *Memory) ListMFAMethods(ctx context.Context, userID uuid.UUID) ([]MFAMethod, error) {
	defer m.rlock()()
	var out []MFAMethod
	for _, meth := range m.data.mfaMethods {
		if meth.UserID == userID {
			out = append(out, meth)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateMFAMethod(ctx context.Context, id uuid.UUID, updater func(MFAMethod) (MFAMethod, error)) error {
	defer m.lock()()
	meth, ok := m.data.mfaMethods[id]
	if !ok {
		return ErrNotFound
	}
	updated, err := updater(meth)
	if err != nil {
		return err
	}
	updated.ID = id
	m.data.mfaMethods[id] = updated
	return nil
}

func (m *Memory) DeleteMFAMethod(ctx context.Context, id uuid.UUID) error {
	defer m.lock()()
	if _, ok := m.data.mfaMethods[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.mfaMethods, id)
	return nil
}

func (m *Memory) DeleteMFAMethodsByUser(ctx context.Context, userID uuid.UUID) error {
	defer m.lock()()
	for id, meth := range m.data.mfaMethods {
		if meth.UserID == userID {
			delete(m.data.mfaMethods, id)
		}
	}
	return nil
}

// MFA challenges

func (m *Memory) CreateMFAChallenge(ctx context.Context, c MFAChallenge) error {
	defer m.lock()()
	if _, ok := m.data.challenges[c.ID]; ok {
		return ErrAlreadyExists
	}
	m.data.challenges[c.ID] = c
	return nil
}

func (m *Memory) GetMFAChallenge(ctx context.Context, id uuid.UUID) (MFAChallenge, error) {
	defer m.rlock()()
	c, ok := m.data.challenges[id]
	if !ok {
		return MFAChallenge{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) UpdateMFAChallenge(ctx context.Context, id uuid.UUID, updater func(MFAChallenge) (MFAChallenge, error)) error {
	defer m.lock()()
	c, ok := m.data.challenges[id]
	if !ok {
		return ErrNotFound
	}
	updated, err := updater(c)
	if err != nil {
		return err
	}
	updated.ID = id
	m.data.challenges[id] = updated
	return nil
}

func (m *Memory) DeleteExpiredMFAChallenges(ctx context.Context, before time.Time) (int, error) {
	defer m.lock()()
	n := 0
	for id, c := range m.data.challenges {
		if c.ExpiresAt.Before(before) {
			delete(m.data.challenges, id)
			n++
		}
	}
	return n, nil
}

// Trusted devices

func (m *Memory) CreateTrustedDevice(ctx context.Context, d MFATrustedDevice) error {
	defer m.lock()()
	if _, ok := m.data.devices[d.ID]; ok {
		return ErrAlreadyExists
	}
	m.data.devices[d.ID] = d
	return nil
}

func (m *Memory) GetTrustedDeviceByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (MFATrustedDevice, error) {
	defer m.rlock()()
	for _, d := range m.data.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			return d, nil
		}
	}
	return MFATrustedDevice{}, ErrNotFound
}

func (m *Memory) ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]MFATrustedDevice, error) {
	defer m.rlock()()
	var out []MFATrustedDevice
	for _, d := range m.data.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrustedAt.Before(out[j].TrustedAt) })
	return out, nil
}

func (m *Memory) UpdateTrustedDevice(ctx context.Context, id uuid.UUID, updater func(MFATrustedDevice) (MFATrustedDevice, error)) error {
	defer m.lock()()
	d, ok := m.data.devices[id]
	if !ok {
		return ErrNotFound
	}
	updated, err := updater(d)
	if err != nil {
		return err
	}
	updated.ID = id
	m.data.devices[id] = updated
	return nil
}

func (m *Memory) DeleteTrustedDevice(ctx context.Context, id uuid.UUID) error {
	defer m.lock()()
	if _, ok := m.data.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.devices, id)
	return nil
}

func (m *Memory) DeleteTrustedDevicesByUser(ctx context.Context, userID uuid.UUID) error {
	defer m.lock()()
	for id, d := range m.data.devices {
		if d.UserID == userID {
			delete(m.data.devices, id)
		}
	}
	return nil
}

// Backup codes

func (m *Memory) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []MFABackupCode) error {
	defer m.lock()()
	m.data.backupCodes[userID] = append([]MFABackupCode(nil), codes...)
	return nil
}

func (m *Memory) ListBackupCodes(ctx context.Context, userID uuid.UUID) ([]MFABackupCode, error) {
	defer m.rlock()()
	return append([]MFABackupCode(nil), m.data.backupCodes[userID]...), nil
}

func (m *Memory) UpdateBackupCode(ctx context.Context, userID uuid.UUID, index int, updater func(MFABackupCode) (MFABackupCode, error)) error {
	defer m.lock()()
	codes := m.data.backupCodes[userID]
	for i, c := range codes {
		if c.Index == index {
			updated, err := updater(c)
			if err != nil {
				return err
			}
			codes[i] = updated
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) DeleteBackupCodes(ctx context.Context, userID uuid.UUID) error {
	defer m.lock()()
	delete(m.data.backupCodes, userID)
	return nil
}

// Sessions

func (m *Memory) CreateSession(ctx context.Context, s Session) error {
	defer m.lock()()
	if _, ok := m.data.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	for _, other := range m.data.sessions {
		if other.TokenFamily == s.TokenFamily && other.Status == SessionActive && s.Status == SessionActive {
			return ErrAlreadyExists
		}
	}
	m.data.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	defer m.rlock()()
	s, ok := m.data.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) GetSessionByFamily(ctx context.Context, family uuid.UUID) (Session, error) {
	defer m.rlock()()
	for _, s := range m.data.sessions {
		if s.TokenFamily == family {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *Memory) ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	defer m.rlock()()
	var out []Session
	for _, s := range m.data.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveSessionsByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	defer m.rlock()()
	var out []Session
	for _, s := range m.data.sessions {
		if s.UserID == userID && s.Status == SessionActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListSessionsExpiringBefore(ctx context.Context, realm string, t time.Time) ([]Session, error) {
	defer m.rlock()()
	var out []Session
	for _, s := range m.data.sessions {
		if s.Realm == realm && s.Status == SessionActive && s.ExpiresAt.Before(t) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSessionsByStatus(ctx context.Context, realm string, status SessionStatus) ([]Session, error) {
	defer m.rlock()()
	var out []Session
	for _, s := range m.data.sessions {
		if s.Realm == realm && s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) UpdateSession(ctx context.Context, id uuid.UUID, updater func(Session) (Session, error)) error {
	defer m.lock()()
	s, ok := m.data.sessions[id]
	if !ok {
		return ErrNotFound
	}
	updated, err := updater(s)
	if err != nil {
		return err
	}
	updated.ID = id
	m.data.sessions[id] = updated
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, id uuid.UUID) error {
	defer m.lock()()
	if _, ok := m.data.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.sessions, id)
	return nil
}

// Session history

func (m *Memory) CreateSessionHistory(ctx context.Context, e SessionHistoryEntry) error {
	defer m.lock()()
	if _, ok := m.data.history[e.Session.ID]; ok {
		return ErrAlreadyExists
	}
	m.data.history[e.Session.ID] = e
	return nil
}

func (m *Memory) ListSessionHistoryByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]SessionHistoryEntry, error) {
	defer m.rlock()()
	var out []SessionHistoryEntry
	for _, e := range m.data.history {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.After(out[j].ArchivedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteSessionHistoryBefore(ctx context.Context, realm string, cutoff time.Time) (int, error) {
	defer m.lock()()
	n := 0
	for id, e := range m.data.history {
		if e.Realm == realm && e.ArchivedAt.Before(cutoff) {
			delete(m.data.history, id)
			n++
		}
	}
	return n, nil
}

// Audit

func (m *Memory) InsertAuditEvents(ctx context.Context, events []AuditEvent) error {
	defer m.lock()()
	m.data.audit = append(m.data.audit, events...)
	return nil
}

func matchesAuditFilter(e AuditEvent, f AuditFilter) bool {
	if f.Realm != "" && e.Realm != f.Realm {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ActorID != uuid.Nil && e.ActorID != f.ActorID {
		return false
	}
	if f.TargetID != uuid.Nil && e.TargetID != f.TargetID {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

func (m *Memory) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	defer m.rlock()()
	var out []AuditEvent
	for _, e := range m.data.audit {
		if matchesAuditFilter(e, f) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountAuditEvents(ctx context.Context, f AuditFilter) (int, error) {
	defer m.rlock()()
	n := 0
	for _, e := range m.data.audit {
		if matchesAuditFilter(e, f) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteAuditEventsBefore(ctx context.Context, realm string, cutoff time.Time) (int, error) {
	defer m.lock()()
	kept := m.data.audit[:0]
	n := 0
	for _, e := range m.data.audit {
		// strict <: a row exactly at the cutoff survives
		if e.Realm == realm && e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.data.audit = kept
	return n, nil
}

var _ Store = (*Memory)(nil)
