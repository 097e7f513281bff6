package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	tokenOwnerKey = "chat:token-owner"
	tokensPrefix  = "chat:tokens:"
	userPrefix    = "chat:user:"
)

// RedisDirectory stores device tokens in a set per user, a token to owner
// hash for pruning, and a hash per user for profile fields.
type RedisDirectory struct {
	client *redis.Client
}

// NewRedis connects to the server at url and verifies it responds
func NewRedis(url string) (*RedisDirectory, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisDirectory{client: c}, nil
}

var _ Directory = (*RedisDirectory)(nil)

func (r *RedisDirectory) Close() error {
	return r.client.Close()
}

func (r *RedisDirectory) DeviceTokens(ctx context.Context, users []string) (map[string][]string, error) {
	if len(users) == 0 {
		return map[string][]string{}, nil
	}
	cmds := make([]*redis.StringSliceCmd, len(users))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, u := range users {
			cmds[i] = p.SMembers(ctx, tokensPrefix+u)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: load tokens: %w", err)
	}
	out := make(map[string][]string, len(users))
	for i, u := range users {
		tokens, err := cmds[i].Result()
		if err != nil || len(tokens) == 0 {
			continue
		}
		sort.Strings(tokens)
		out[u] = tokens
	}
	return out, nil
}

func (r *RedisDirectory) SaveToken(ctx context.Context, userID, token string) error {
	prev, err := r.client.HGet(ctx, tokenOwnerKey, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: token owner: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if prev != "" && prev != userID {
			p.SRem(ctx, tokensPrefix+prev, token)
		}
		p.SAdd(ctx, tokensPrefix+userID, token)
		p.HSet(ctx, tokenOwnerKey, token, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save token: %w", err)
	}
	return nil
}

func (r *RedisDirectory) RemoveTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	owners, err := r.client.HMGet(ctx, tokenOwnerKey, tokens...).Result()
	if err != nil {
		return fmt.Errorf("redis: token owners: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, t := range tokens {
			if owner, ok := owners[i].(string); ok && owner != "" {
				p.SRem(ctx, tokensPrefix+owner, t)
			}
		}
		p.HDel(ctx, tokenOwnerKey, tokens...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: remove tokens: %w", err)
	}
	return nil
}

func (r *RedisDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	name, err := r.client.HGet(ctx, userPrefix+userID, "name").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return name, err
}

func (r *RedisDirectory) SetDisplayName(ctx context.Context, userID, name string) error {
	return r.client.HSet(ctx, userPrefix+userID, "name", name).Err()
}
