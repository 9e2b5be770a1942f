// Package seeder generates synthetic events for development and demos.
package seeder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// Config controls synthetic event generation.
type Config struct {
	// BaseURL is the bridge's HTTP address, e.g. http://localhost:8090.
	BaseURL string
	// Count is the number of events to publish.
	Count int
	// Interval is the pause between events; zero publishes as fast as the
	// server accepts.
	Interval time.Duration
	// Seed makes generation deterministic when non-zero.
	Seed int64
}

var eventTypes = []string{
	"task.created",
	"task.complete",
	"task.failed",
	"user.signup",
	"user.login",
	"order.placed",
	"order.shipped",
}

// Seeder publishes generated events to a running bridge.
type Seeder struct {
	cfg    Config
	client *http.Client
	faker  *gofakeit.Faker
}

func New(cfg Config) *Seeder {
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Seeder{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		faker:  gofakeit.New(seed),
	}
}

// Run publishes cfg.Count events. It stops early on context cancellation
// or the first publish failure.
func (s *Seeder) Run(ctx context.Context) (int, error) {
	published := 0
	for i := 0; i < s.cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		evt := s.generate()
		if err := s.publish(ctx, evt); err != nil {
			return published, err
		}
		published++

		if s.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return published, ctx.Err()
			case <-time.After(s.cfg.Interval):
			}
		}
	}
	return published, nil
}

func (s *Seeder) generate() models.InboundEvent {
	eventType := s.faker.RandomString(eventTypes)

	payload := map[string]interface{}{
		"actor":    s.faker.Username(),
		"duration": s.faker.Number(1, 5000),
		"region":   s.faker.TimeZoneRegion(),
		"message":  s.faker.HackerPhrase(),
	}
	raw, _ := json.Marshal(payload)

	return models.InboundEvent{
		Source:  s.faker.AppName(),
		Type:    eventType,
		Payload: raw,
	}
}

func (s *Seeder) publish(ctx context.Context, evt models.InboundEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("publish rejected with status %d", resp.StatusCode)
	}
	return nil
}
