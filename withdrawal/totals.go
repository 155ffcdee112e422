package withdrawal

import (
	"sort"

	"github.com/xraph/settle/types"
)

// Total aggregates records of one asset and kind.
type Total struct {
	Asset  string `json:"asset"`
	Kind   Kind   `json:"kind"`
	Count  int    `json:"count"`
	Amount int64  `json:"amount"`
}

// Summarize groups records by asset and kind, sorted by asset then kind.
// Amounts saturate at the int64 maximum.
func Summarize(records []*Record) []Total {
	type key struct {
		asset string
		kind  Kind
	}
	idx := make(map[key]int)
	var out []Total
	for _, r := range records {
		k := key{r.Asset, r.Kind}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Total{Asset: r.Asset, Kind: r.Kind})
		}
		out[i].Count++
		if sum, ok := types.AddInt64(out[i].Amount, r.Amount); ok {
			out[i].Amount = sum
		} else {
			out[i].Amount = maxInt64
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Asset != out[b].Asset {
			return out[a].Asset < out[b].Asset
		}
		return out[a].Kind < out[b].Kind
	})
	return out
}

const maxInt64 = int64(^uint64(0) >> 1)
