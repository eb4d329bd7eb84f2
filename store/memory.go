package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process [Store]. Every method holds a single mutex, so conditional
// updates are trivially atomic. It is meant for tests and single-instance development.
type Memory struct {
	mu   sync.Mutex
	data *memData
	tx   bool
}

type memData struct {
	users       map[string]User
	emails      map[string]string
	creds       map[string]Credential
	totp        map[string]TOTPFactor
	backup      map[string][]BackupCode
	roles       map[string][]string
	sessions    map[string]Session
	accessIndex map[string]string
	invitations map[[32]byte]Invitation
	recovery    map[[32]byte]RecoveryToken
	webhooks    map[string]WebhookEvent
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

func newMemData() *memData {
	return &memData{
		users:       map[string]User{},
		emails:      map[string]string{},
		creds:       map[string]Credential{},
		totp:        map[string]TOTPFactor{},
		backup:      map[string][]BackupCode{},
		roles:       map[string][]string{},
		sessions:    map[string]Session{},
		accessIndex: map[string]string{},
		invitations: map[[32]byte]Invitation{},
		recovery:    map[[32]byte]RecoveryToken{},
		webhooks:    map[string]WebhookEvent{},
	}
}

func (d *memData) clone() *memData {
	out := newMemData()
	for k, v := range d.users {
		out.users[k] = v
	}
	for k, v := range d.emails {
		out.emails[k] = v
	}
	for k, v := range d.creds {
		out.creds[k] = v
	}
	for k, v := range d.totp {
		out.totp[k] = v
	}
	for k, v := range d.backup {
		out.backup[k] = append([]BackupCode(nil), v...)
	}
	for k, v := range d.roles {
		out.roles[k] = append([]string(nil), v...)
	}
	for k, v := range d.sessions {
		out.sessions[k] = v
	}
	for k, v := range d.accessIndex {
		out.accessIndex[k] = v
	}
	for k, v := range d.invitations {
		out.invitations[k] = v
	}
	for k, v := range d.recovery {
		out.recovery[k] = v
	}
	for k, v := range d.webhooks {
		out.webhooks[k] = v
	}
	return out
}

// lock returns the matching unlock. Transactional views already run under the parent lock.
func (m *Memory) lock() func() {
	if m.tx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Store) error) error {
	if m.tx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &Memory{data: m.data.clone(), tx: true}
	if err := fn(view); err != nil {
		return err
	}
	m.data = view.data
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, user User) error {
	defer m.lock()()
	if _, ok := m.data.users[user.ID]; ok {
		return ErrConflict
	}
	email := strings.ToLower(user.Email)
	if _, ok := m.data.emails[email]; ok {
		return ErrConflict
	}
	m.data.users[user.ID] = user
	m.data.emails[email] = user.ID
	return nil
}

func (m *Memory) GetUser(ctx context.Context, userID string) (User, error) {
	defer m.lock()()
	user, ok := m.data.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (User, error) {
	defer m.lock()()
	id, ok := m.data.emails[strings.ToLower(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.data.users[id], nil
}

func (m *Memory) SetUserStatus(ctx context.Context, userID string, status UserStatus) error {
	defer m.lock()()
	user, ok := m.data.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.Status = status
	m.data.users[userID] = user
	return nil
}

func (m *Memory) MarkEmailVerified(ctx context.Context, userID string) error {
	defer m.lock()()
	user, ok := m.data.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.EmailVerified = true
	m.data.users[userID] = user
	return nil
}

func (m *Memory) AddCredential(ctx context.Context, cred Credential) error {
	defer m.lock()()
	if !cred.Valid() {
		return ErrConflict
	}
	if _, ok := m.data.users[cred.UserID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.data.creds {
		if existing.ID == cred.ID {
			return ErrConflict
		}
		switch cred.Kind {
		case KindPassword:
			if existing.Kind == KindPassword && existing.UserID == cred.UserID {
				return ErrConflict
			}
		case KindOAuth:
			if existing.Kind == KindOAuth &&
				existing.OAuth.Provider == cred.OAuth.Provider &&
				existing.OAuth.Subject == cred.OAuth.Subject {
				return ErrConflict
			}
		case KindWebAuthn, KindHardwareToken:
			if existing.Kind.IsPublicKey() && bytes.Equal(existing.Key.CredentialID, cred.Key.CredentialID) {
				return ErrConflict
			}
		}
	}
	m.data.creds[cred.ID] = cloneCredential(cred)
	return nil
}

func (m *Memory) ListCredentials(ctx context.Context, userID string) ([]Credential, error) {
	defer m.lock()()
	out := make([]Credential, 0)
	for _, cred := range m.data.creds {
		if cred.UserID == userID {
			out = append(out, cloneCredential(cred))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) GetPasswordCredential(ctx context.Context, userID string) (Credential, error) {
	defer m.lock()()
	for _, cred := range m.data.creds {
		if cred.UserID == userID && cred.Kind == KindPassword {
			return cloneCredential(cred), nil
		}
	}
	return Credential{}, ErrNotFound
}

func (m *Memory) SetPasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	defer m.lock()()
	for id, cred := range m.data.creds {
		if cred.UserID == userID && cred.Kind == KindPassword {
			cred.Password = &PasswordSecret{Hash: hash}
			m.data.creds[id] = cred
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) FindOAuthLink(ctx context.Context, provider, subject string) (Credential, error) {
	defer m.lock()()
	for _, cred := range m.data.creds {
		if cred.Kind == KindOAuth && cred.OAuth.Provider == provider && cred.OAuth.Subject == subject {
			return cloneCredential(cred), nil
		}
	}
	return Credential{}, ErrNotFound
}

func (m *Memory) FindPublicKey(ctx context.Context, credentialID []byte) (Credential, error) {
	defer m.lock()()
	id, ok := m.publicKeyRow(credentialID)
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cloneCredential(m.data.creds[id]), nil
}

func (m *Memory) publicKeyRow(credentialID []byte) (string, bool) {
	for id, cred := range m.data.creds {
		if cred.Kind.IsPublicKey() && bytes.Equal(cred.Key.CredentialID, credentialID) {
			return id, true
		}
	}
	return "", false
}

func (m *Memory) AdvanceSignCount(ctx context.Context, credentialID []byte, count uint32) (bool, error) {
	defer m.lock()()
	id, ok := m.publicKeyRow(credentialID)
	if !ok {
		return false, ErrNotFound
	}
	cred := cloneCredential(m.data.creds[id])
	if count <= cred.Key.SignCount {
		return false, nil
	}
	cred.Key.SignCount = count
	m.data.creds[id] = cred
	return true, nil
}

func (m *Memory) FlagCredential(ctx context.Context, credentialID []byte, at time.Time) error {
	defer m.lock()()
	id, ok := m.publicKeyRow(credentialID)
	if !ok {
		return ErrNotFound
	}
	cred := cloneCredential(m.data.creds[id])
	flagged := at
	cred.Key.FlaggedAt = &flagged
	m.data.creds[id] = cred
	return nil
}

// LockCredentials only checks the user exists; transactions already hold the store mutex.
func (m *Memory) LockCredentials(ctx context.Context, userID string) error {
	defer m.lock()()
	if _, ok := m.data.users[userID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) DeleteCredential(ctx context.Context, userID, id string) error {
	defer m.lock()()
	cred, ok := m.data.creds[id]
	if !ok || cred.UserID != userID {
		return ErrNotFound
	}
	delete(m.data.creds, id)
	return nil
}

func (m *Memory) GetTOTP(ctx context.Context, userID string) (*TOTPFactor, error) {
	defer m.lock()()
	factor, ok := m.data.totp[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := factor
	return &out, nil
}

func (m *Memory) SetPendingTOTP(ctx context.Context, userID string, secret []byte) error {
	defer m.lock()()
	factor := m.data.totp[userID]
	factor.UserID = userID
	factor.PendingSecret = append([]byte(nil), secret...)
	m.data.totp[userID] = factor
	return nil
}

func (m *Memory) ConfirmTOTP(ctx context.Context, userID string, pending []byte, step int64, at time.Time) (bool, error) {
	defer m.lock()()
	factor, ok := m.data.totp[userID]
	if !ok || len(factor.PendingSecret) == 0 || !bytes.Equal(factor.PendingSecret, pending) {
		return false, nil
	}
	confirmed := at
	factor.Secret = factor.PendingSecret
	factor.PendingSecret = nil
	factor.ConfirmedAt = &confirmed
	factor.LastUsedStep = step
	m.data.totp[userID] = factor
	return true, nil
}

func (m *Memory) AdvanceTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	defer m.lock()()
	factor, ok := m.data.totp[userID]
	if !ok {
		return false, ErrNotFound
	}
	if step <= factor.LastUsedStep {
		return false, nil
	}
	factor.LastUsedStep = step
	m.data.totp[userID] = factor
	return true, nil
}

func (m *Memory) ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCode) error {
	defer m.lock()()
	m.data.backup[userID] = append([]BackupCode(nil), codes...)
	return nil
}

func (m *Memory) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte, at time.Time) (bool, error) {
	defer m.lock()()
	codes := m.data.backup[userID]
	for i := range codes {
		if codes[i].ConsumedAt == nil && codes[i].Hash == hash {
			consumed := at
			next := append([]BackupCode(nil), codes...)
			next[i].ConsumedAt = &consumed
			m.data.backup[userID] = next
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CountBackupCodes(ctx context.Context, userID string) (int, error) {
	defer m.lock()()
	n := 0
	for _, code := range m.data.backup[userID] {
		if code.ConsumedAt == nil {
			n++
		}
	}
	return n, nil
}

func roleKey(userID, tenantID string) string {
	return userID + "\x00" + tenantID
}

func (m *Memory) AssignRole(ctx context.Context, assignment RoleAssignment) error {
	defer m.lock()()
	key := roleKey(assignment.UserID, assignment.TenantID)
	for _, role := range m.data.roles[key] {
		if role == assignment.Role {
			return nil
		}
	}
	m.data.roles[key] = append(append([]string(nil), m.data.roles[key]...), assignment.Role)
	return nil
}

func (m *Memory) ListRoles(ctx context.Context, userID, tenantID string) ([]string, error) {
	defer m.lock()()
	roles := append([]string{}, m.data.roles[roleKey(userID, tenantID)]...)
	sort.Strings(roles)
	return roles, nil
}

func (m *Memory) CreateSession(ctx context.Context, sess Session) error {
	defer m.lock()()
	if _, ok := m.data.sessions[sess.RefreshTokenID]; ok {
		return ErrConflict
	}
	if _, ok := m.data.accessIndex[sess.AccessTokenID]; ok {
		return ErrConflict
	}
	sess.Roles = append([]string(nil), sess.Roles...)
	m.data.sessions[sess.RefreshTokenID] = sess
	m.data.accessIndex[sess.AccessTokenID] = sess.RefreshTokenID
	return nil
}

func (m *Memory) GetSessionByAccessID(ctx context.Context, accessID string) (Session, error) {
	defer m.lock()()
	refreshID, ok := m.data.accessIndex[accessID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return m.data.sessions[refreshID], nil
}

func (m *Memory) GetSessionByRefreshID(ctx context.Context, refreshID string) (Session, error) {
	defer m.lock()()
	sess, ok := m.data.sessions[refreshID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (m *Memory) ConsumeRefreshToken(ctx context.Context, refreshID string) (bool, error) {
	defer m.lock()()
	sess, ok := m.data.sessions[refreshID]
	if !ok {
		return false, ErrNotFound
	}
	if sess.Consumed || sess.Revoked {
		return false, nil
	}
	sess.Consumed = true
	m.data.sessions[refreshID] = sess
	return true, nil
}

func (m *Memory) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	defer m.lock()()
	n := 0
	for id, sess := range m.data.sessions {
		if sess.FamilyID == familyID && !sess.Revoked {
			sess.Revoked = true
			m.data.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

func (m *Memory) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	defer m.lock()()
	n := 0
	for id, sess := range m.data.sessions {
		if sess.UserID == userID && !sess.Revoked {
			sess.Revoked = true
			m.data.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateInvitation(ctx context.Context, inv Invitation) error {
	defer m.lock()()
	if _, ok := m.data.invitations[inv.TokenHash]; ok {
		return ErrConflict
	}
	m.data.invitations[inv.TokenHash] = inv
	return nil
}

func (m *Memory) GetInvitationByHash(ctx context.Context, hash [32]byte) (Invitation, error) {
	defer m.lock()()
	inv, ok := m.data.invitations[hash]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return inv, nil
}

func (m *Memory) AcceptInvitation(ctx context.Context, hash [32]byte, userID string, now time.Time) (bool, error) {
	defer m.lock()()
	inv, ok := m.data.invitations[hash]
	if !ok {
		return false, ErrNotFound
	}
	if inv.Status != InvitationPending || !now.Before(inv.ExpiresAt) {
		return false, nil
	}
	accepted := now
	inv.Status = InvitationAccepted
	inv.AcceptedAt = &accepted
	inv.AcceptedUserID = userID
	m.data.invitations[hash] = inv
	return true, nil
}

func (m *Memory) RevokeInvitation(ctx context.Context, invitationID string) (bool, error) {
	defer m.lock()()
	for hash, inv := range m.data.invitations {
		if inv.ID != invitationID {
			continue
		}
		if inv.Status != InvitationPending {
			return false, nil
		}
		inv.Status = InvitationRevoked
		m.data.invitations[hash] = inv
		return true, nil
	}
	return false, ErrNotFound
}

func (m *Memory) ExpireInvitations(ctx context.Context, now time.Time) (int, error) {
	defer m.lock()()
	n := 0
	for hash, inv := range m.data.invitations {
		if inv.Status == InvitationPending && !now.Before(inv.ExpiresAt) {
			inv.Status = InvitationExpired
			m.data.invitations[hash] = inv
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateRecoveryToken(ctx context.Context, token RecoveryToken) error {
	defer m.lock()()
	if _, ok := m.data.recovery[token.TokenHash]; ok {
		return ErrConflict
	}
	m.data.recovery[token.TokenHash] = token
	return nil
}

func (m *Memory) GetRecoveryToken(ctx context.Context, hash [32]byte) (RecoveryToken, error) {
	defer m.lock()()
	token, ok := m.data.recovery[hash]
	if !ok {
		return RecoveryToken{}, ErrNotFound
	}
	return token, nil
}

func (m *Memory) ConsumeRecoveryToken(ctx context.Context, hash [32]byte, now time.Time) (bool, error) {
	defer m.lock()()
	token, ok := m.data.recovery[hash]
	if !ok {
		return false, ErrNotFound
	}
	if token.ConsumedAt != nil || !now.Before(token.ExpiresAt) {
		return false, nil
	}
	consumed := now
	token.ConsumedAt = &consumed
	m.data.recovery[hash] = token
	return true, nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, event WebhookEvent) error {
	defer m.lock()()
	if _, ok := m.data.webhooks[event.ID]; ok {
		return ErrConflict
	}
	event.Payload = append([]byte(nil), event.Payload...)
	m.data.webhooks[event.ID] = event
	return nil
}

func (m *Memory) DueWebhooks(ctx context.Context, now time.Time, limit int) ([]WebhookEvent, error) {
	defer m.lock()()
	out := make([]WebhookEvent, 0)
	for _, event := range m.data.webhooks {
		if event.DeliveredAt == nil && !event.NextAttemptAt.After(now) {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivered(ctx context.Context, eventID string, at time.Time) error {
	defer m.lock()()
	event, ok := m.data.webhooks[eventID]
	if !ok {
		return ErrNotFound
	}
	delivered := at
	event.DeliveredAt = &delivered
	m.data.webhooks[eventID] = event
	return nil
}

func (m *Memory) RescheduleWebhook(ctx context.Context, eventID string, attempts int, next time.Time) error {
	defer m.lock()()
	event, ok := m.data.webhooks[eventID]
	if !ok {
		return ErrNotFound
	}
	event.Attempts = attempts
	event.NextAttemptAt = next
	m.data.webhooks[eventID] = event
	return nil
}

func cloneCredential(cred Credential) Credential {
	out := cred
	if cred.Password != nil {
		p := *cred.Password
		out.Password = &p
	}
	if cred.OAuth != nil {
		o := *cred.OAuth
		out.OAuth = &o
	}
	if cred.Key != nil {
		k := *cred.Key
		k.CredentialID = append([]byte(nil), cred.Key.CredentialID...)
		k.PublicKey = append([]byte(nil), cred.Key.PublicKey...)
		k.AAGUID = append([]byte(nil), cred.Key.AAGUID...)
		k.Transports = append([]string(nil), cred.Key.Transports...)
		out.Key = &k
	}
	return out
}

