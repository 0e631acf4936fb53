package budget

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Warden/internal/errors"
)

// RedisConfig 描述 Redis 计数存储的连接参数。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// RedisStore 把计数器保存在一个 Redis 键中，重启后沿用原有计数。
// Guard 只在首次使用时读取，之后整体覆盖写入，同一个键只应由一个实例使用。
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore 创建 Redis 计数存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisStoreWithClient(client, cfg.Key), nil
}

// NewRedisStoreWithClient 复用已有的客户端。
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "warden:budget"
	}
	return &RedisStore{client: client, key: key}
}

// Load 实现 CounterStore。
func (s *RedisStore) Load(ctx context.Context) (State, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return State{}, false, nil
		}
		return State{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 预算失败")
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, false, nil
	}
	return state, true, nil
}

// Save 实现 CounterStore。键在日窗口结束后自然过期。
func (s *RedisStore) Save(ctx context.Context, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化预算失败")
	}
	ttl := 48 * time.Hour
	if err := s.client.Set(ctx, s.key, raw, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 预算失败")
	}
	return nil
}

// Close 关闭客户端。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
