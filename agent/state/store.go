package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrStateNotFound   = errors.New("conversation state not found")
	ErrVersionConflict = errors.New("conversation state version conflict")
	ErrStoreDown       = errors.New("session store unavailable")
)

const (
	defaultStoreKeyPrefix = "craftora:conversation:"
	defaultStoreTTL       = 24 * time.Hour
	maxResponseSizeBytes  = 4 << 20
)

// Store is the session persistence contract consumed by the turn pipeline.
// CompareAndSwap serializes concurrent runs on the same conversation: a run
// that loaded version N may only write N+1, so a stale run cannot overwrite
// newer state.
type Store interface {
	Load(ctx context.Context, conversationID string) (*ConversationState, error)
	Save(ctx context.Context, st *ConversationState) error
	CompareAndSwap(ctx context.Context, st *ConversationState, expectedVersion int64) error
	Delete(ctx context.Context, conversationID string) error
}

// casScript embeds the version check and the write in one Redis round trip.
// ARGV[1] expected version, ARGV[2] payload, ARGV[3] ttl seconds.
const casScript = `local cur = redis.call('GET', KEYS[1])
if cur then
  local decoded = cjson.decode(cur)
  if tonumber(decoded['version']) ~= tonumber(ARGV[1]) then
    return 'CONFLICT'
  end
elseif tonumber(ARGV[1]) ~= 0 then
  return 'CONFLICT'
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', tonumber(ARGV[3]))
return 'OK'`

// StoreOption customizes UpstashRedisStore.
type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore persists ConversationState in Upstash Redis via REST.
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &UpstashRedisStore{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keyPrefix: defaultStoreKeyPrefix,
		ttl:       defaultStoreTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if store.ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}

	return store, nil
}

func (s *UpstashRedisStore) Load(ctx context.Context, conversationID string) (*ConversationState, error) {
	key, err := s.redisKey(conversationID)
	if err != nil {
		return nil, err
	}

	resp, err := s.exec(ctx, []any{"GET", key})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreDown, err)
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrStateNotFound
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode conversation payload: %w", err)
	}

	var st ConversationState
	if err := json.Unmarshal([]byte(encoded), &st); err != nil {
		return nil, fmt.Errorf("unmarshal conversation state: %w", err)
	}

	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conversation state loaded from store: %w", err)
	}

	return &st, nil
}

func (s *UpstashRedisStore) Save(ctx context.Context, st *ConversationState) error {
	key, payload, err := s.prepare(st)
	if err != nil {
		return err
	}

	cmd := []any{"SET", key, string(payload), "EX", ttlSeconds(s.ttl)}
	if _, err := s.exec(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreDown, err)
	}
	return nil
}

// CompareAndSwap writes st only if the stored version equals expectedVersion
// (0 means the key must not exist yet). st.Version is bumped only when the
// swap succeeds; on conflict or store failure it is left as the caller had it.
func (s *UpstashRedisStore) CompareAndSwap(ctx context.Context, st *ConversationState, expectedVersion int64) error {
	if st == nil {
		return ErrNilState
	}
	prev := st.Version
	st.Version = expectedVersion + 1

	key, payload, err := s.prepare(st)
	if err != nil {
		st.Version = prev
		return err
	}

	resp, err := s.exec(ctx, []any{
		"EVAL", casScript, 1, key,
		expectedVersion, string(payload), ttlSeconds(s.ttl),
	})
	if err != nil {
		st.Version = prev
		return fmt.Errorf("%w: %v", ErrStoreDown, err)
	}

	var verdict string
	if err := json.Unmarshal(bytes.TrimSpace(resp.Result), &verdict); err != nil {
		st.Version = prev
		return fmt.Errorf("decode cas verdict: %w", err)
	}
	if verdict == "CONFLICT" {
		st.Version = prev
		return fmt.Errorf("%w: expected version=%d", ErrVersionConflict, expectedVersion)
	}
	return nil
}

func (s *UpstashRedisStore) Delete(ctx context.Context, conversationID string) error {
	key, err := s.redisKey(conversationID)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, []any{"DEL", key}); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreDown, err)
	}
	return nil
}

func (s *UpstashRedisStore) prepare(st *ConversationState) (string, []byte, error) {
	if st == nil {
		return "", nil, ErrNilState
	}
	if st.LastActivityAt.IsZero() {
		st.LastActivityAt = time.Now().UTC()
	}
	if err := st.Validate(); err != nil {
		return "", nil, err
	}

	key, err := s.redisKey(st.ConversationID)
	if err != nil {
		return "", nil, err
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return "", nil, fmt.Errorf("marshal conversation state: %w", err)
	}
	return key, payload, nil
}

func (s *UpstashRedisStore) redisKey(conversationID string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", ErrInvalidConversation
	}
	return s.keyPrefix + conversationID, nil
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
