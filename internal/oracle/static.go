package oracle

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/strategy"
)

// StaticBackend proposes the best ranked preset for the scenario. It needs no
// network and is used offline, in replay and as the sidecar's reference
// implementation.
type StaticBackend struct {
	// DurationSeconds is the activation window of every proposal.
	DurationSeconds int
}

const defaultStaticDuration = 120

// Propose picks the highest ranked known preset, falling back to the scene's
// seed order. Confidence follows the ranking score.
func (s StaticBackend) Propose(ctx context.Context, req Request) (action.RawProposal, error) {
	if err := ctx.Err(); err != nil {
		return action.RawProposal{}, err
	}
	dur := s.DurationSeconds
	if dur <= 0 {
		dur = defaultStaticDuration
	}

	seeds := strategy.Seeds(req.Context.Scene, req.Context.Intent)
	score := 0.5
	chosen, _ := strategy.Lookup(seeds[0])
	found := false
	// equal scores keep the scene's seed order
	for _, e := range req.Rankings {
		p, ok := strategy.Lookup(e.Strategy)
		if !ok {
			continue
		}
		if !found || e.Score > score || e.Score == score && seedIndex(seeds, p.Name) < seedIndex(seeds, chosen.Name) {
			chosen, score, found = p, e.Score, true
		}
	}

	conf := 0.5 + 0.4*(score-0.5)*2
	conf = max(0.3, min(conf, 0.9))
	p := chosen.Proposal(conf, dur)
	rationale := fmt.Sprintf("%s; chosen for the %s scene with ranking score %.2f",
		chosen.Description, req.Context.Scene, score)
	return p.With("rationale", rationale), nil
}

func seedIndex(seeds []strategy.Name, name strategy.Name) int {
	for i, s := range seeds {
		if s == name {
			return i
		}
	}
	return len(seeds)
}
