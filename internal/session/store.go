// Package session persists chat sessions and their bounded conversation
// history in the KV store. A session lives in a TTLed hash and its history
// in a TTLed, trimmed list; every mutation refreshes both TTLs.
package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/storage"
)

const (
	sessionKeyPrefix      = "chat_session:"
	conversationKeyPrefix = "chat_conversation:"
)

// Session is one conversational context.
type Session struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
	Status       string    `json:"status"`
}

// Entry is one exchange in a session's conversation history.
type Entry struct {
	Timestamp         time.Time `json:"timestamp"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	ContextUsed       int       `json:"context_used"`
	ProcessingTime    float64   `json:"processing_time"`
}

// Store reads and writes sessions.
type Store struct {
	store   *storage.Client
	timeout time.Duration
	cap     int
	logger  *zap.Logger
}

// NewStore creates a session store.
func NewStore(store *storage.Client, cfg config.SessionConfig, logger *zap.Logger) *Store {
	return &Store{
		store:   store,
		timeout: cfg.Timeout,
		cap:     cfg.ConversationCap,
		logger:  logger,
	}
}

// Create makes a new session, or returns the existing one when a known ID
// is supplied. An empty ID gets a fresh one.
func (s *Store) Create(ctx context.Context, id, userID string) (*Session, error) {
	if id != "" {
		existing, err := s.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !fault.IsKind(err, fault.KindNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Status:       "active",
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created", zap.String("session_id", id))
	return sess, nil
}

// Touch updates last_activity, increments message_count atomically and
// refreshes the session TTL.
func (s *Store) Touch(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	key := sessionKeyPrefix + id
	fields := map[string]interface{}{
		"last_activity": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.HashSet(ctx, key, fields); err != nil {
		return fault.BackendUnavailable("session write failed", err)
	}
	if err := s.store.HashIncrBy(ctx, key, "message_count", 1); err != nil {
		return fault.BackendUnavailable("session write failed", err)
	}
	if err := s.store.Expire(ctx, key, s.timeout); err != nil {
		return fault.BackendUnavailable("session expire failed", err)
	}
	return nil
}

// Append pushes an entry onto the session's conversation history, trims it
// to the cap and refreshes both TTLs.
func (s *Store) Append(ctx context.Context, id string, entry Entry) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := conversationKeyPrefix + id
	if err := s.store.PushLeft(ctx, key, string(data)); err != nil {
		return fault.BackendUnavailable("conversation append failed", err)
	}
	if err := s.store.ListTrim(ctx, key, 0, int64(s.cap)-1); err != nil {
		return fault.BackendUnavailable("conversation trim failed", err)
	}
	if err := s.store.Expire(ctx, key, s.timeout); err != nil {
		return fault.BackendUnavailable("conversation expire failed", err)
	}
	return s.store.Expire(ctx, sessionKeyPrefix+id, s.timeout)
}

// Get returns a session, or NotFound once its TTL elapsed.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := s.store.HashGetAll(ctx, sessionKeyPrefix+id)
	if err != nil {
		return nil, fault.BackendUnavailable("session read failed", err)
	}
	if len(fields) == 0 {
		return nil, fault.NotFound("session", id)
	}
	return sessionFromFields(id, fields), nil
}

// Recent returns up to n most recent conversation entries, newest first.
func (s *Store) Recent(ctx context.Context, id string, n int) ([]Entry, error) {
	raws, err := s.store.ListRange(ctx, conversationKeyPrefix+id, 0, int64(n)-1)
	if err != nil {
		return nil, fault.BackendUnavailable("conversation read failed", err)
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("skipping malformed conversation entry", zap.String("session_id", id))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Delete removes a session and its history.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.store.Delete(ctx, sessionKeyPrefix+id, conversationKeyPrefix+id)
	if err != nil {
		return fault.BackendUnavailable("session delete failed", err)
	}
	if n == 0 {
		return fault.NotFound("session", id)
	}
	return nil
}

// List returns all live sessions, optionally filtered by user.
func (s *Store) List(ctx context.Context, userID string) ([]Session, error) {
	keys, err := s.store.Keys(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return nil, fault.BackendUnavailable("session scan failed", err)
	}
	sessions := make([]Session, 0, len(keys))
	for _, key := range keys {
		id := key[len(sessionKeyPrefix):]
		sess, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if userID != "" && sess.UserID != userID {
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

// write persists the session hash and refreshes its TTL.
func (s *Store) write(ctx context.Context, sess *Session) error {
	key := sessionKeyPrefix + sess.ID
	fields := map[string]interface{}{
		"session_id":    sess.ID,
		"user_id":       sess.UserID,
		"created_at":    sess.CreatedAt.Format(time.RFC3339Nano),
		"last_activity": sess.LastActivity.Format(time.RFC3339Nano),
		"message_count": strconv.FormatInt(sess.MessageCount, 10),
		"status":        sess.Status,
	}
	if err := s.store.HashSet(ctx, key, fields); err != nil {
		return fault.BackendUnavailable("session write failed", err)
	}
	if err := s.store.Expire(ctx, key, s.timeout); err != nil {
		return fault.BackendUnavailable("session expire failed", err)
	}
	return nil
}

func sessionFromFields(id string, fields map[string]string) *Session {
	sess := &Session{
		ID:     id,
		UserID: fields["user_id"],
		Status: fields["status"],
	}
	if v, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		sess.CreatedAt = v
	}
	if v, err := time.Parse(time.RFC3339Nano, fields["last_activity"]); err == nil {
		sess.LastActivity = v
	}
	if v, err := strconv.ParseInt(fields["message_count"], 10, 64); err == nil {
		sess.MessageCount = v
	}
	return sess
}
