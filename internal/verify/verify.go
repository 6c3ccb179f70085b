package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// CodeTTL 与原始产品一致：验证码十分钟内有效。
const CodeTTL = 10 * time.Minute

var ErrCodeInvalid = errors.New("invalid or expired verification code")

// Store 把注册验证码放在 Redis 里，过期靠 key 的 TTL 自动完成。
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(email string) string { return "verify:" + email }

// GenerateCode 生成 n 位十进制验证码。拒绝采样丢弃 250 以上的随机
// 字节，保证每个数字等概率出现。
func GenerateCode(n int) (string, error) {
	const digits = "0123456789"
	out := make([]byte, 0, n)
	var buf [32]byte
	for len(out) < n {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, digits[int(b)%10])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Issue 为邮箱签发新验证码，覆盖之前未消费的旧码。
func (s *Store) Issue(ctx context.Context, email string) (string, error) {
	code, err := GenerateCode(6)
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, key(email), code, CodeTTL).Err(); err != nil {
		return "", err
	}
	return code, nil
}

// Consume 校验并一次性消费验证码；不匹配或已过期返回 ErrCodeInvalid。
func (s *Store) Consume(ctx context.Context, email, code string) error {
	stored, err := s.rdb.Get(ctx, key(email)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCodeInvalid
	}
	if err != nil {
		return err
	}
	if stored != code {
		return ErrCodeInvalid
	}
	return s.rdb.Del(ctx, key(email)).Err()
}
