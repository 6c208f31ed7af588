package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

const (
	// Префикс ключа блокировки оформления покупки
	checkoutLockKeyPrefix = "checkout_lock:"

	// TTL блокировки по умолчанию
	defaultCheckoutLockTTL = time.Minute
)

// RedisCheckoutLock не дает пользователю запустить два оформления покупки одновременно.
// Блокировка только сокращает лишние вызовы платежной системы; корректность
// обеспечивает перезапись pending_invoice_ref в реестре.
type RedisCheckoutLock struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCheckoutLock подключается к Redis и проверяет соединение
func NewRedisCheckoutLock(redisAddr, redisPassword string, redisDB int, ttl time.Duration, log *logger.Logger) (*RedisCheckoutLock, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultCheckoutLockTTL
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCheckoutLock{
		client: client,
		ttl:    ttl,
		log:    log,
	}, nil
}

// Close закрывает соединение с Redis
func (r *RedisCheckoutLock) Close() error {
	return r.client.Close()
}

func checkoutLockKey(id domain.UserID) string {
	return fmt.Sprintf("%s%d", checkoutLockKeyPrefix, id)
}

// Acquire берет блокировку; false, если оформление для пользователя уже идет
func (r *RedisCheckoutLock) Acquire(ctx context.Context, id domain.UserID) (bool, error) {
	ok, err := r.client.SetNX(ctx, checkoutLockKey(id), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		r.log.Errorw("Failed to acquire checkout lock", "error", err, "userID", id)
		return false, fmt.Errorf("failed to acquire checkout lock: %w", err)
	}
	if !ok {
		r.log.Debugw("Checkout lock is already held", "userID", id)
	}
	return ok, nil
}

// Release снимает блокировку
func (r *RedisCheckoutLock) Release(ctx context.Context, id domain.UserID) error {
	if err := r.client.Del(ctx, checkoutLockKey(id)).Err(); err != nil {
		r.log.Errorw("Failed to release checkout lock", "error", err, "userID", id)
		return fmt.Errorf("failed to release checkout lock: %w", err)
	}
	return nil
}

// Ping проверяет доступность Redis
func (r *RedisCheckoutLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
