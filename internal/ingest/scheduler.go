package ingest

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/quester/internal/helpers"
)

const (
	lockKeyPrefix    = "quester:ingest:lock:"
	lastRunKeyPrefix = "quester:ingest:last:"
	lockTTL          = 2 * time.Minute
)

// Source is one periodically refreshed corpus URL.
type Source struct {
	URL  string
	Cron string // 5-field cron expression, @hourly or @daily
}

// Scheduler refreshes configured sources on their cron schedules. With a
// redis client set, a SetNX lock keeps concurrent instances from refreshing
// the same source, and last-run times survive restarts.
type Scheduler struct {
	Fetcher  Fetcher
	Pipeline *Pipeline
	Rdb      *redis.Client
	Sources  []Source
	Interval time.Duration
	Logger   *log.Logger
	Stop     chan struct{}

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func (s *Scheduler) Start() {
	if s.Stop == nil {
		s.Stop = make(chan struct{})
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	for _, src := range s.Sources {
		if strings.TrimSpace(src.URL) == "" {
			continue
		}
		fp, err := helpers.URLFingerprint(src.URL)
		if err != nil {
			s.Logger.Printf("skipping source %q: %v", src.URL, err)
			continue
		}
		if !isDue(src.Cron, s.lastRunTime(ctx, src.URL, fp)) {
			continue
		}
		s.refresh(ctx, src, fp)
	}
}

func (s *Scheduler) refresh(ctx context.Context, src Source, fp string) {
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, lockKeyPrefix+fp, "1", lockTTL).Result()
		if err != nil || !ok {
			return
		}
		defer s.Rdb.Del(ctx, lockKeyPrefix+fp)
	}

	page, err := s.Fetcher.Fetch(ctx, src.URL)
	if err != nil {
		s.Logger.Printf("refreshing %s: %v", src.URL, err)
		return
	}
	res, err := s.Pipeline.Index(ctx, Document{URL: page.URL, Title: page.Title, Text: page.Text})
	if err != nil {
		s.Logger.Printf("indexing %s: %v", src.URL, err)
		return
	}
	s.recordRun(ctx, src.URL, fp, time.Now())
	s.Logger.Printf("refreshed %s: %d/%d chunks indexed", src.URL, res.Indexed, res.Chunks)
}

func (s *Scheduler) lastRunTime(ctx context.Context, url, fp string) *time.Time {
	if s.Rdb != nil {
		v, err := s.Rdb.Get(ctx, lastRunKeyPrefix+fp).Result()
		if err != nil {
			return nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil
		}
		return &t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.lastRun[url]; ok {
		return &t
	}
	return nil
}

func (s *Scheduler) recordRun(ctx context.Context, url, fp string, at time.Time) {
	if s.Rdb != nil {
		_ = s.Rdb.Set(ctx, lastRunKeyPrefix+fp, at.UTC().Format(time.RFC3339), 0).Err()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		s.lastRun = map[string]time.Time{}
	}
	s.lastRun[url] = at
}

// isDue determines if a source with cronSpec should run now based on its
// last run time. Supports "@daily", "@hourly", and 5-field cron expressions;
// invalid expressions fall back to @daily.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
