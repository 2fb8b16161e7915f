package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultKeyPrefix namespaces every key written by RedisStore.
const DefaultKeyPrefix = "vibestack"

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// URL is the Redis connection URL: redis://[:password@]host:port[/db]
	URL string
	// Prefix namespaces keys (default "vibestack").
	Prefix string
	// Timeout bounds each operation (default 5s).
	Timeout time.Duration
}

// RedisStore keeps projects as msgpack strings indexed by a set of ids, and
// each project's messages as a msgpack list.
type RedisStore struct {
	client  *goredis.Client
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewRedisStore connects to Redis. It does not ping; the first operation
// surfaces connectivity errors.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis store requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RedisStore{
		client:  goredis.NewClient(opts),
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
		now:     time.Now,
	}, nil
}

func (s *RedisStore) projectKey(id string) string  { return s.prefix + ":project:" + id }
func (s *RedisStore) messagesKey(id string) string { return s.prefix + ":messages:" + id }
func (s *RedisStore) indexKey() string             { return s.prefix + ":projects" }

func (s *RedisStore) CreateProject(ctx context.Context, p Project) (Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusIdle
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	body, err := msgpack.Marshal(&p)
	if err != nil {
		return Project{}, fmt.Errorf("redis store: encode project: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.projectKey(p.ID), body, 0).Result()
	if err != nil {
		return Project{}, fmt.Errorf("redis store: create project: %w", err)
	}
	if !ok {
		return Project{}, fmt.Errorf("project %s already exists", p.ID)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), p.ID).Err(); err != nil {
		return Project{}, fmt.Errorf("redis store: index project: %w", err)
	}
	return p, nil
}

func (s *RedisStore) GetProject(ctx context.Context, id string) (Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.getProject(ctx, s.client, id)
}

func (s *RedisStore) getProject(ctx context.Context, c goredis.Cmdable, id string) (Project, error) {
	body, err := c.Get(ctx, s.projectKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	if err != nil {
		return Project{}, fmt.Errorf("redis store: get project: %w", err)
	}
	var p Project
	if err := msgpack.Unmarshal(body, &p); err != nil {
		return Project{}, fmt.Errorf("redis store: decode project: %w", err)
	}
	return p, nil
}

// UpdateProject is a read-modify-write guarded by WATCH; concurrent writers
// retry.
func (s *RedisStore) UpdateProject(ctx context.Context, id string, u ProjectUpdate) (Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := s.projectKey(id)

	var updated Project
	txf := func(tx *goredis.Tx) error {
		p, err := s.getProject(ctx, tx, id)
		if err != nil {
			return err
		}
		u.apply(&p, s.now())
		body, err := msgpack.Marshal(&p)
		if err != nil {
			return fmt.Errorf("redis store: encode project: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			return nil
		})
		if err == nil {
			updated = p
		}
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Project{}, err
		}
		return updated, nil
	}
	return Project{}, fmt.Errorf("redis store: update project %s: too much contention", id)
}

// ListProjects reads every indexed project. Ids whose project key is gone
// are skipped.
func (s *RedisStore) ListProjects(ctx context.Context) ([]Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: list projects: %w", err)
	}
	out := make([]Project, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.projectKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: list projects: %w", err)
	}
	for _, v := range vals {
		body, ok := v.(string)
		if !ok {
			continue
		}
		var p Project
		if err := msgpack.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("redis store: decode project: %w", err)
		}
		out = append(out, p)
	}
	sortProjects(out)
	return out, nil
}

func (s *RedisStore) DeleteProject(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var del *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, s.projectKey(id))
		pipe.Del(ctx, s.messagesKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: delete project: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return nil
}

func (s *RedisStore) SaveMessage(ctx context.Context, m Message) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.Exists(ctx, s.projectKey(m.ProjectID)).Result()
	if err != nil {
		return Message{}, fmt.Errorf("redis store: save message: %w", err)
	}
	if exists == 0 {
		return Message{}, fmt.Errorf("%w: project %s", ErrNotFound, m.ProjectID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	body, err := msgpack.Marshal(&m)
	if err != nil {
		return Message{}, fmt.Errorf("redis store: encode message: %w", err)
	}
	if err := s.client.RPush(ctx, s.messagesKey(m.ProjectID), body).Err(); err != nil {
		return Message{}, fmt.Errorf("redis store: save message: %w", err)
	}
	return m, nil
}

func (s *RedisStore) ListMessages(ctx context.Context, projectID string) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.client.LRange(ctx, s.messagesKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: list messages: %w", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := msgpack.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("redis store: decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
