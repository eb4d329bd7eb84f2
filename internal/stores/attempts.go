package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	attemptRecordVersion1 = 1
	attemptRecordVersion2 = 2
)

var (
	ErrAttemptNotFound = errors.New("login attempt not found")
	ErrAttemptExpired  = errors.New("login attempt expired")
	ErrAttemptState    = errors.New("login attempt in unexpected state")
	ErrAttemptBackend  = errors.New("login attempt backend unavailable")
)

// AttemptState is a node of the step-up state machine.
type AttemptState uint8

const (
	StatePrimaryPending AttemptState = iota + 1
	StatePrimaryVerified
	StateMFANotRequired
	StateMFAPending
	StateMFAVerified
	StateSessionIssued
	StateFailed
)

func (s AttemptState) String() string {
	switch s {
	case StatePrimaryPending:
		return "PRIMARY_PENDING"
	case StatePrimaryVerified:
		return "PRIMARY_VERIFIED"
	case StateMFANotRequired:
		return "MFA_NOT_REQUIRED"
	case StateMFAPending:
		return "MFA_PENDING"
	case StateMFAVerified:
		return "MFA_VERIFIED"
	case StateSessionIssued:
		return "SESSION_ISSUED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no transition leaves s.
func (s AttemptState) Terminal() bool {
	return s == StateSessionIssued || s == StateFailed
}

// Attempt is one persisted login attempt.
type Attempt struct {
	State     AttemptState
	UserID    string
	TenantID  string
	Method    string
	ExpiresAt int64
	// Epoch is the user's credential epoch when the attempt began.
	Epoch int64
}

// AttemptStore persists login attempts so a client can resume after a crash or across
// requests. Every state change is a compare-and-set.
type AttemptStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewAttemptStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *AttemptStore {
	if prefix == "" {
		prefix = "att"
	}
	if now == nil {
		now = time.Now
	}
	return &AttemptStore{
		redis:  redisClient,
		prefix: prefix,
		now:    now,
	}
}

func (s *AttemptStore) key(attemptID string) string {
	return s.prefix + ":" + attemptID
}

func (s *AttemptStore) epochKey(userID string) string {
	return s.prefix + ":ep:" + userID
}

// Epoch returns the credential epoch of userID. A user whose credentials never changed
// is at epoch 0.
func (s *AttemptStore) Epoch(ctx context.Context, userID string) (int64, error) {
	n, err := s.redis.Get(ctx, s.epochKey(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrAttemptBackend, err)
	}
	return n, nil
}

// BumpEpoch advances the credential epoch of userID, invalidating every attempt begun
// before the call. ttl must be at least the longest attempt lifetime.
func (s *AttemptStore) BumpEpoch(ctx context.Context, userID string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, s.epochKey(userID))
		pipe.PExpire(ctx, s.epochKey(userID), ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAttemptBackend, err)
	}
	return incr.Val(), nil
}

// Create stores a new attempt. It fails if the id is already taken.
func (s *AttemptStore) Create(ctx context.Context, attemptID string, record *Attempt) error {
	ttl := time.Unix(record.ExpiresAt, 0).Sub(s.now())
	if ttl <= 0 {
		return ErrAttemptExpired
	}
	encoded, err := encodeAttempt(record)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, s.key(attemptID), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttemptBackend, err)
	}
	if !ok {
		return fmt.Errorf("%w: duplicate attempt id", ErrAttemptBackend)
	}
	return nil
}

func (s *AttemptStore) Get(ctx context.Context, attemptID string) (*Attempt, error) {
	data, err := s.redis.Get(ctx, s.key(attemptID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrAttemptBackend, err)
	}

	record, err := decodeAttempt(data)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(attemptID)).Result()
		return nil, ErrAttemptExpired
	}
	return record, nil
}

// Transition moves the attempt to `to` if its current state is one of `from`, and returns
// the record as it was before the move. Concurrent callers racing on the same transition
// see exactly one winner; the rest get ErrAttemptState.
func (s *AttemptStore) Transition(
	ctx context.Context,
	attemptID string,
	from []AttemptState,
	to AttemptState,
) (*Attempt, error) {
	const maxRetries = 4
	key := s.key(attemptID)

	for i := 0; i < maxRetries; i++ {
		var prior *Attempt
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeAttempt(data)
			if err != nil {
				return err
			}
			ttl := time.Unix(record.ExpiresAt, 0).Sub(s.now())
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrAttemptExpired
			}
			if !slices.Contains(from, record.State) {
				prior = record
				return ErrAttemptState
			}

			snapshot := *record
			prior = &snapshot
			record.State = to
			updated, err := encodeAttempt(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrAttemptNotFound
			}
			if errors.Is(err, ErrAttemptExpired) {
				return nil, err
			}
			if errors.Is(err, ErrAttemptState) {
				return prior, err
			}
			return nil, fmt.Errorf("%w: %v", ErrAttemptBackend, err)
		}
		return prior, nil
	}

	return nil, fmt.Errorf("%w: too much contention", ErrAttemptBackend)
}

func encodeAttempt(record *Attempt) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(attemptRecordVersion2)
	buf.WriteByte(byte(record.State))

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.Epoch); err != nil {
		return nil, err
	}
	for _, field := range []string{record.UserID, record.TenantID, record.Method} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeAttempt(data []byte) (*Attempt, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != attemptRecordVersion1 && version != attemptRecordVersion2 {
		return nil, errors.New("invalid login attempt version")
	}
	state, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &Attempt{State: AttemptState(state)}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if version == attemptRecordVersion2 {
		if err := binary.Read(reader, binary.BigEndian, &record.Epoch); err != nil {
			return nil, err
		}
	}
	for _, field := range []*string{&record.UserID, &record.TenantID, &record.Method} {
		if *field, err = readString(reader); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("record field length exceeded")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(reader, b); err != nil {
		return "", err
	}
	return string(b), nil
}
