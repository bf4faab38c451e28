//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idlookup/internal/identity/models"
	"idlookup/internal/identity/store"
	"idlookup/pkg/platform/sentinel"
	"idlookup/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *store.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.cache = store.NewRedisCache(s.redis.Client, time.Minute)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestGenerationStartsAtZero() {
	gen, err := s.cache.Generation(context.Background())
	s.Require().NoError(err)
	s.Zero(gen)
}

func (s *RedisCacheSuite) TestSetAndGet() {
	ctx := context.Background()
	refs := []models.UTXOReference{{Txid: "t1", OutputIndex: 3}}

	s.Run("miss before set", func() {
		_, err := s.cache.Get(ctx, 0, "eq(serialNumber,\"sn1\")")
		s.ErrorIs(err, sentinel.ErrCacheMiss)
	})

	s.Run("hit after set", func() {
		s.Require().NoError(s.cache.Set(ctx, 0, "eq(serialNumber,\"sn1\")", refs))
		got, err := s.cache.Get(ctx, 0, "eq(serialNumber,\"sn1\")")
		s.Require().NoError(err)
		s.Equal(refs, got)
	})

	s.Run("empty result is cached", func() {
		s.Require().NoError(s.cache.Set(ctx, 0, "in(certifier,[])", []models.UTXOReference{}))
		got, err := s.cache.Get(ctx, 0, "in(certifier,[])")
		s.Require().NoError(err)
		s.Empty(got)
	})

	s.Run("entries carry the configured ttl", func() {
		keys, err := s.redis.Client.Keys(ctx, "idlookup:q:0:*").Result()
		s.Require().NoError(err)
		s.Require().NotEmpty(keys)
		for _, k := range keys {
			ttl, err := s.redis.Client.TTL(ctx, k).Result()
			s.Require().NoError(err)
			s.Greater(ttl, time.Duration(0))
			s.LessOrEqual(ttl, time.Minute)
		}
	})
}

func (s *RedisCacheSuite) TestInvalidateHidesOlderEntries() {
	ctx := context.Background()
	key := "eq(subject,\"pub1\")"
	s.Require().NoError(s.cache.Set(ctx, 0, key, []models.UTXOReference{{Txid: "t1"}}))

	s.Require().NoError(s.cache.Invalidate(ctx))
	gen, err := s.cache.Generation(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), gen)

	_, err = s.cache.Get(ctx, gen, key)
	s.ErrorIs(err, sentinel.ErrCacheMiss)
}
