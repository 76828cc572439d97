package settlement

import (
	"fmt"
	"sort"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/num"
)

// conservation tracks, per asset, what sellers paid into the batch and what
// buyers took out of it.
type conservation struct {
	sold   map[asset.ID]*num.Uint
	bought map[asset.ID]*num.Uint
}

func newConservation() *conservation {
	return &conservation{
		sold:   make(map[asset.ID]*num.Uint),
		bought: make(map[asset.ID]*num.Uint),
	}
}

func accumulate(m map[asset.ID]*num.Uint, id asset.ID, amount *num.Uint) error {
	cur, ok := m[id]
	if !ok {
		cur = num.Zero()
	}
	sum, err := add(cur, amount)
	if err != nil {
		return err
	}
	m[id] = sum
	return nil
}

func (c *conservation) trade(buyAsset, sellAsset asset.ID, buy, sell *num.Uint) error {
	if err := accumulate(c.bought, buyAsset, buy); err != nil {
		return err
	}
	return accumulate(c.sold, sellAsset, sell)
}

func (c *conservation) get(m map[asset.ID]*num.Uint, id asset.ID) *num.Uint {
	if v, ok := m[id]; ok {
		return v
	}
	return num.Zero()
}

// check verifies every asset nets to zero except the fee asset, which may keep
// a surplus. It returns that surplus.
func (c *conservation) check() (*num.Uint, error) {
	seen := make(map[asset.ID]struct{}, len(c.sold)+len(c.bought))
	ids := make([]asset.ID, 0, len(seen))
	for _, m := range []map[asset.ID]*num.Uint{c.sold, c.bought} {
		for id := range m {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if id == asset.FeeID {
			continue
		}
		sold, bought := c.get(c.sold, id), c.get(c.bought, id)
		if !sold.EQ(bought) {
			return nil, fmt.Errorf("%w: asset %d sold %s, bought %s", ErrConservationViolated, id, sold, bought)
		}
	}
	surplus, neg := num.Zero().SubOverflow(c.get(c.sold, asset.FeeID), c.get(c.bought, asset.FeeID))
	if neg {
		return nil, fmt.Errorf("%w: fee asset deficit", ErrConservationViolated)
	}
	return surplus, nil
}
