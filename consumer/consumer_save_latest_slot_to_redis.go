package consumer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

const (
	DefaultSlotKeyPrefix = "yellowstone:slot:"
	slotHistoryLimit     = 1000
)

// RedisConfig configures the latest-slot sink.
type RedisConfig struct {
	Address   string `yaml:"address" mapstructure:"address"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// SlotRecord is the latest observation for one event kind.
type SlotRecord struct {
	Kind      string
	Slot      uint64
	EventID   string
	UpdatedAt time.Time
}

// slotStore persists slot watermarks.
type slotStore interface {
	SaveLatest(ctx context.Context, rec SlotRecord) error
	Close() error
}

// SaveLatestSlotToRedis keeps, per event kind, the highest slot seen so far
// plus a bounded history. Writes only happen when the slot advances.
type SaveLatestSlotToRedis struct {
	store slotStore
	log   *logrus.Entry

	mu     sync.Mutex
	latest map[string]uint64
}

func NewSaveLatestSlotToRedis(ctx context.Context, cfg RedisConfig, logger *logrus.Entry) (*SaveLatestSlotToRedis, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultSlotKeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := newSaveLatestSlot(&redisSlotStore{client: client, prefix: prefix}, logger)
	s.log.WithField("address", cfg.Address).Info("Redis latest-slot sink connected")
	return s, nil
}

func newSaveLatestSlot(store slotStore, logger *logrus.Entry) *SaveLatestSlotToRedis {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SaveLatestSlotToRedis{
		store:  store,
		log:    logger.WithField("component", "redis-latest-slot"),
		latest: make(map[string]uint64),
	}
}

func (s *SaveLatestSlotToRedis) Subscribe(processor.Processor) {}

func (s *SaveLatestSlotToRedis) Process(ctx context.Context, msg processor.Message) error {
	routed, err := routedEvent(msg)
	if err != nil {
		return err
	}
	ev := routed.Event
	if ev.Slot == nil {
		return nil
	}

	kind := string(ev.Kind)
	slot := *ev.Slot

	s.mu.Lock()
	if prev, ok := s.latest[kind]; ok && slot <= prev {
		s.mu.Unlock()
		return nil
	}
	s.latest[kind] = slot
	s.mu.Unlock()

	rec := SlotRecord{Kind: kind, Slot: slot, EventID: ev.EventID, UpdatedAt: time.Now().UTC()}
	if err := s.store.SaveLatest(ctx, rec); err != nil {
		return fmt.Errorf("error saving latest %s slot %d: %w", kind, slot, err)
	}

	s.log.WithFields(logrus.Fields{"kind": kind, "slot": slot}).Debug("Stored latest slot")
	return nil
}

// Latest returns the highest slot stored for kind.
func (s *SaveLatestSlotToRedis) Latest(kind string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.latest[kind]
	return slot, ok
}

func (s *SaveLatestSlotToRedis) Close() error {
	return s.store.Close()
}

type redisSlotStore struct {
	client redis.UniversalClient
	prefix string
}

func (r *redisSlotStore) SaveLatest(ctx context.Context, rec SlotRecord) error {
	pipe := r.client.Pipeline()

	pipe.HSet(ctx, r.prefix+"latest:"+rec.Kind, map[string]interface{}{
		"slot":       strconv.FormatUint(rec.Slot, 10),
		"event_id":   rec.EventID,
		"updated_at": rec.UpdatedAt.Format(time.RFC3339),
	})

	historyKey := r.prefix + "history:" + rec.Kind
	pipe.ZAdd(ctx, historyKey, redis.Z{
		Score:  float64(rec.Slot),
		Member: rec.EventID,
	})
	pipe.ZRemRangeByRank(ctx, historyKey, 0, -(slotHistoryLimit + 1))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error executing Redis pipeline: %w", err)
	}
	return nil
}

func (r *redisSlotStore) Close() error {
	return r.client.Close()
}

var _ Consumer = (*SaveLatestSlotToRedis)(nil)
