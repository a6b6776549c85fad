package fanout

import (
	"slices"

	"github.com/dukerupert/glowcore/internal/model"
)

// Batch is a run of tokens for one platform.
type Batch struct {
	Platform model.Platform
	Tokens   []model.DeviceToken
}

// Partition splits tokens into per-platform batches of at most size tokens.
// Platforms come out in model.Platforms order; unknown platforms follow.
func Partition(tokens []model.DeviceToken, size int) []Batch {
	if size <= 0 {
		size = 1
	}
	byPlatform := make(map[model.Platform][]model.DeviceToken)
	order := slices.Clone(model.Platforms)
	for _, t := range tokens {
		if _, ok := byPlatform[t.Platform]; !ok && !slices.Contains(order, t.Platform) {
			order = append(order, t.Platform)
		}
		byPlatform[t.Platform] = append(byPlatform[t.Platform], t)
	}

	var batches []Batch
	for _, p := range order {
		group := byPlatform[p]
		for len(group) > 0 {
			n := min(size, len(group))
			batches = append(batches, Batch{Platform: p, Tokens: group[:n:n]})
			group = group[n:]
		}
	}
	return batches
}
