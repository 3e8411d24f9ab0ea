package cache

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	historyKey = "crash:history"
	historyLen = 50
)

// History keeps the recent crash points so clients joining mid-round can
// render the outcome strip without a database query.
type History struct {
	client *redis.Client
}

func NewHistory(client *redis.Client) *History {
	return &History{client: client}
}

// Record prepends an outcome and trims the list to the last historyLen.
func (h *History) Record(ctx context.Context, multiplier float64) error {
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, historyKey, strconv.FormatFloat(multiplier, 'f', 2, 64))
	pipe.LTrim(ctx, historyKey, 0, historyLen-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Recent returns the most recent crash points, newest first.
func (h *History) Recent(ctx context.Context, n int64) ([]float64, error) {
	if n <= 0 || n > historyLen {
		n = historyLen
	}
	vals, err := h.client.LRange(ctx, historyKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
