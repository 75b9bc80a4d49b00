package news

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"tradedesk/pkg/feed"
)

// ServiceConfig wires the live stream and the bulk backfill endpoint together.
type ServiceConfig struct {
	StreamURL   string
	BackfillURL string
	Feed        feed.Config
}

// Service owns the news ingestion path: one bulk backfill at startup to seed
// history, then the reconnecting live feed pushing into the cache.
type Service struct {
	cfg        ServiceConfig
	cache      *Cache
	feed       *feed.Feed
	httpClient *http.Client
	log        *logrus.Logger
}

func NewService(cfg ServiceConfig, cache *Cache, log *logrus.Logger) *Service {
	s := &Service{
		cfg:        cfg,
		cache:      cache,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
	feedCfg := cfg.Feed
	feedCfg.URL = cfg.StreamURL
	s.feed = feed.New(feedCfg, s.onFrame, log)
	return s
}

// Start seeds history with the backfill, then brings up the live feed. A
// failed backfill is logged and skipped: live items still flow, history just
// starts shallow.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.BackfillURL != "" {
		if added, err := s.Backfill(ctx); err != nil {
			s.log.WithError(err).Warn("News backfill failed")
		} else {
			s.log.WithField("items", added).Info("News backfill complete")
		}
	}
	s.feed.Connect()
}

func (s *Service) Stop() {
	s.feed.Disconnect()
}

func (s *Service) Cache() *Cache { return s.cache }

// Backfill fetches the unsigned history endpoint and bulk-merges it. Items
// already seen from the live feed are not overwritten.
func (s *Service) Backfill(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BackfillURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("news backfill status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return 0, fmt.Errorf("news backfill payload: %w", err)
	}
	items := make([][]byte, len(raws))
	for i, r := range raws {
		items[i] = r
	}
	return s.cache.BulkIngest(items), nil
}

// onFrame is the feed's item handler. Malformed payloads are logged and
// dropped; the connection stays up.
func (s *Service) onFrame(raw []byte) {
	if err := s.cache.Ingest(raw); err != nil {
		s.log.WithError(err).Warn("Dropping malformed news frame")
	}
}
