package repository

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DemoUsernames are the users created by Seed, in ID order starting at "1".
var DemoUsernames = []string{"alice", "bob", "carol", "dave", "eve", "frank", "grace", "heidi"}

// DemoMerchants are the merchants seeded transactions are drawn from.
var DemoMerchants = []string{
	"Amazon", "Starbucks", "Target", "Walmart", "Shell", "Uber",
	"Best Buy", "Stripe", "Apple", "Lyft", "Whole Foods",
}

const (
	seedTxnsPerUser = 30
	seedWindowDays  = 90
	seedFraudRate   = 0.02
)

// Seed fills the users database with demo users and transactions spread over
// the 90 days before now. The same seed and now produce the same rows, and
// re-seeding overwrites existing demo rows instead of duplicating them.
func (r *SQLRepository) Seed(ctx context.Context, seed int64, now time.Time) (users, txns int, err error) {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	now = now.UTC().Truncate(time.Second)

	for i, username := range DemoUsernames {
		id := strconv.Itoa(i + 1)
		u := &domain.UserProfile{
			ID:        id,
			Username:  username,
			FullName:  strings.ToUpper(username[:1]) + username[1:] + " Demo User",
			Email:     username + "@example.com",
			CreatedAt: now,
		}
		if err := r.SaveUser(ctx, u); err != nil {
			return users, txns, fmt.Errorf("seed user %s: %w", username, err)
		}
		users++

		for j := 0; j < seedTxnsPerUser; j++ {
			back := time.Duration(rng.IntN(seedWindowDays+1))*24*time.Hour +
				time.Duration(rng.IntN(24*3600+1))*time.Second
			amount := 1.5 + rng.Float64()*(1200-1.5)

			tx := &domain.UserTransaction{
				ID:          fmt.Sprintf("%s-%02d", id, j+1),
				UserID:      id,
				Time:        now.Add(-back),
				Amount:      math.Round(amount*100) / 100,
				Merchant:    DemoMerchants[rng.IntN(len(DemoMerchants))],
				CardMasked:  fmt.Sprintf("XXXX-XXXX-XXXX-%04d", rng.IntN(10000)),
				Location:    "San Francisco, CA",
				IsFraud:     rng.Float64() < seedFraudRate,
				Description: "Transaction processed",
			}
			if err := r.SaveUserTransaction(ctx, tx); err != nil {
				return users, txns, fmt.Errorf("seed transaction %s: %w", tx.ID, err)
			}
			txns++
		}
	}

	return users, txns, nil
}
