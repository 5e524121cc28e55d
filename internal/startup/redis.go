package startup

import (
	"context"
	"os"
	"time"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/storage"
	"github.com/roomchat/internal/storage/memory"
	redisstorage "github.com/roomchat/internal/storage/redis"
)

// ConnectRedisWithRetry connects to Redis with the same backoff as the database.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration) *redisstorage.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redisstorage.New(ctx, redisURL)
		cancel()
		if err == nil {
			return client
		}
		if time.Now().After(deadline) {
			logger.Errorf("redis (gave up after %v): %v", maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
		time.Sleep(backoff)
		backoff = nextBackoff(backoff)
	}
}

// Ephemeral returns the Redis store when redisURL is set and the in-process one otherwise.
func Ephemeral(redisURL string, maxWait time.Duration) storage.Ephemeral {
	if redisURL == "" {
		logger.Infof("REDIS_URL not set, presence mirror and rate limits stay in memory")
		return memory.New()
	}
	return ConnectRedisWithRetry(redisURL, maxWait)
}
