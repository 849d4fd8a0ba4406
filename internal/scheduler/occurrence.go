package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
)

const dateLayout = "2006-01-02"

// Occurrence is one firing of an account's slot on a calendar date in its timezone
type Occurrence struct {
	AccountID string
	Date      string // YYYY-MM-DD in the account's timezone
	Slot      models.TimeOfDay
	At        time.Time // UTC instant
	Category  models.Category
	Key       string
}

// ClaimRequest builds the ledger request for this occurrence
func (o Occurrence) ClaimRequest(maxAttempts int) storage.ClaimRequest {
	return storage.ClaimRequest{
		Key:          o.Key,
		AccountID:    o.AccountID,
		Category:     o.Category,
		SlotDate:     o.Date,
		Slot:         o.Slot.String(),
		ScheduledFor: o.At,
		MaxAttempts:  maxAttempts,
	}
}

// IdempotencyKey derives the deduplication key of one publishing occasion
func IdempotencyKey(accountID string, category models.Category, date string, slot models.TimeOfDay) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", accountID, category, date, slot)))
	return hex.EncodeToString(h[:16])
}

// Occurrences returns the slot firings of account whose instant falls in [from, to),
// ordered by instant. Occurrences without an enabled category are skipped.
func Occurrences(account *models.Account, from, to time.Time) ([]Occurrence, error) {
	if !from.Before(to) {
		return nil, nil
	}
	loc, err := account.Location()
	if err != nil {
		return nil, err
	}

	// Walk local calendar days, one day either side so shifted offsets are covered
	start := from.In(loc)
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	end := to.In(loc).AddDate(0, 0, 1)

	var out []Occurrence
	for ; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateLayout)
		for _, slot := range account.Slots {
			// time.Date normalizes wall times skipped by a DST jump
			at := time.Date(day.Year(), day.Month(), day.Day(), slot.Hour, slot.Minute, 0, 0, loc)
			if at.Before(from) || !at.Before(to) {
				continue
			}
			category, ok := PickCategory(account.ID, account.CategoryWeights, date, slot)
			if !ok {
				continue
			}
			out = append(out, Occurrence{
				AccountID: account.ID,
				Date:      date,
				Slot:      slot,
				At:        at.UTC(),
				Category:  category,
				Key:       IdempotencyKey(account.ID, category, date, slot),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// PickCategory chooses the category for one occasion. The choice is weighted and
// deterministic for (account, date, slot), so every tick agrees on the same key.
// Empty weights select among all known categories equally.
func PickCategory(accountID string, weights models.Weights, date string, slot models.TimeOfDay) (models.Category, bool) {
	cats := weights.Active()
	if len(weights) == 0 {
		cats = models.KnownCategories
	}
	if len(cats) == 0 {
		return "", false
	}

	weightOf := func(c models.Category) int {
		if len(weights) == 0 {
			return 1
		}
		return weights[c]
	}
	total := 0
	for _, c := range cats {
		total += weightOf(c)
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%s:%s", accountID, date, slot)
	n := int(h.Sum64() % uint64(total))
	for _, c := range cats {
		n -= weightOf(c)
		if n < 0 {
			return c, true
		}
	}
	return cats[len(cats)-1], true
}
