// Package history enriches incoming transactions with behavioral
// signals derived from the user's transaction history: velocity,
// deviation from typical amounts, device and location familiarity.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// profileTTL bounds how stale a cached user profile may be.
const profileTTL = 5 * time.Minute

// Service computes behavioral signals from the repository, with the
// cache in front for the hot serving path.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
}

// NewService creates a history service. window is the rolling window
// used for velocity counting.
func NewService(repo domain.Repository, cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = time.Hour
	}
	return &Service{repo: repo, cache: cache, window: window}
}

// Velocity returns the user's transaction count inside the rolling
// window, incremented for the current transaction. Uses the cache's
// windowed counter when available, falling back to a repository count.
func (s *Service) Velocity(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, velocityKey(userID), s.window)
		if err == nil {
			return count, nil
		}
	}

	txs, err := s.repo.GetTransactionsByUser(ctx, userID, time.Now().Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("failed to count recent transactions: %w", err)
	}
	return int64(len(txs)) + 1, nil
}

// Profile returns the user's behavioral snapshot, from cache when
// fresh, otherwise recomputed from the repository.
func (s *Service) Profile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	key := profileKey(userID)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var profile domain.UserProfile
			if err := json.Unmarshal(data, &profile); err == nil {
				return &profile, nil
			}
		}
	}

	txs, err := s.repo.GetTransactionsByUser(ctx, userID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to load user history: %w", err)
	}

	profile := &domain.UserProfile{UserID: userID}
	total := 0.0
	for _, tx := range txs {
		total += tx.Amount
	}
	profile.TransactionCount = int64(len(txs))
	if len(txs) > 0 {
		profile.AverageAmount = total / float64(len(txs))
	}

	if s.cache != nil {
		if data, err := json.Marshal(profile); err == nil {
			s.cache.Set(ctx, key, data, profileTTL)
		}
	}
	return profile, nil
}

// Invalidate drops the cached profile after new activity for the user.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if s.cache != nil {
		s.cache.Delete(ctx, profileKey(userID))
	}
}

// Enrich fills the zero-valued behavioral signals of a transaction from
// the user's history. Signals the caller already supplied are left
// untouched, so upstream enrichment always wins.
func (s *Service) Enrich(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}

	ts := tx.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
		tx.Timestamp = ts
	}
	if tx.Hour == 0 {
		tx.Hour = ts.Hour()
	}
	if !tx.IsWeekend {
		wd := ts.Weekday()
		tx.IsWeekend = wd == time.Saturday || wd == time.Sunday
	}

	if tx.Velocity == 0 {
		count, err := s.Velocity(ctx, tx.UserID)
		if err != nil {
			return err
		}
		tx.Velocity = int(count)
	}

	history, err := s.repo.GetTransactionsByUser(ctx, tx.UserID, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to load user history: %w", err)
	}
	if len(history) == 0 {
		return nil
	}

	if tx.AmountDeviation == 0 {
		tx.AmountDeviation = amountDeviation(tx.Amount, history)
	}
	if tx.AmountPercentile == 0 {
		tx.AmountPercentile = amountPercentile(tx.Amount, history)
	}
	if tx.DeviceFamiliarity == 0 && tx.DeviceID != "" {
		tx.DeviceFamiliarity = deviceFamiliarity(tx.DeviceID, history)
	}
	if tx.LocationFamiliarity == 0 && (tx.Latitude != 0 || tx.Longitude != 0) {
		tx.LocationFamiliarity = locationFamiliarity(tx.Latitude, tx.Longitude, history)
	}
	if tx.GeoDiff == 0 && (tx.Latitude != 0 || tx.Longitude != 0) {
		tx.GeoDiff = geoDiff(tx.Latitude, tx.Longitude, history[0])
	}
	if tx.TimeSinceLast == 0 {
		gap := ts.Sub(history[0].Timestamp)
		if gap > 0 {
			// Fraction of a day, saturating at 1.
			tx.TimeSinceLast = math.Min(gap.Hours()/24, 1)
		}
	}

	return nil
}

// amountDeviation is the relative distance from the user's mean amount.
func amountDeviation(amount float64, history []*domain.Transaction) float64 {
	total := 0.0
	for _, tx := range history {
		total += tx.Amount
	}
	mean := total / float64(len(history))
	if mean <= 0 {
		return 0
	}
	return math.Abs(amount-mean) / mean
}

// amountPercentile is the fraction of past amounts at or below this
// amount.
func amountPercentile(amount float64, history []*domain.Transaction) float64 {
	below := 0
	for _, tx := range history {
		if tx.Amount <= amount {
			below++
		}
	}
	return float64(below) / float64(len(history))
}

// deviceFamiliarity is the fraction of past transactions from the same
// device.
func deviceFamiliarity(deviceID string, history []*domain.Transaction) float64 {
	seen := 0
	for _, tx := range history {
		if tx.DeviceID == deviceID {
			seen++
		}
	}
	return float64(seen) / float64(len(history))
}

// locationFamiliarity is the fraction of past transactions within
// roughly half a degree of the current coordinates.
func locationFamiliarity(lat, lon float64, history []*domain.Transaction) float64 {
	const nearby = 0.5
	near := 0
	for _, tx := range history {
		if math.Abs(tx.Latitude-lat) <= nearby && math.Abs(tx.Longitude-lon) <= nearby {
			near++
		}
	}
	return float64(near) / float64(len(history))
}

// geoDiff is the normalized coordinate distance from the most recent
// transaction, saturating at 1 around ten degrees.
func geoDiff(lat, lon float64, last *domain.Transaction) float64 {
	if last.Latitude == 0 && last.Longitude == 0 {
		return 0
	}
	dist := math.Hypot(lat-last.Latitude, lon-last.Longitude)
	return math.Min(dist/10, 1)
}

func velocityKey(userID string) string {
	return "velocity:" + userID
}

func profileKey(userID string) string {
	return "profile:" + userID
}
