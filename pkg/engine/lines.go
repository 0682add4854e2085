package engine

import (
	"context"
	"fmt"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/signature"
)

// LineBlockReason formats the block reason of a blocking defense line.
func LineBlockReason(profileID, reason string) string {
	if reason == "" {
		return "defense_line:" + profileID
	}
	return fmt.Sprintf("defense_line:%s: %s", profileID, reason)
}

// runLines evaluates the enabled defense lines in order after the base decision. The
// first blocking line overrides the decision and stops the walk; other lines add their
// score and flags and raise the action only when more severe.
func (e *Engine) runLines(ctx context.Context, snap *domain.Catalog, agg *Aggregate, lines []domain.DefenseLineAttachment, facts *domain.RequestFacts) ([]domain.LineResult, string) {
	var results []domain.LineResult
	opts := signature.Options{Now: e.clock.Now(), Logger: e.logger}

	for i, line := range lines {
		if !line.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			agg.Flags = domain.AppendFlags(agg.Flags, domain.FlagCanceled)
			break
		}

		profile, ok := snap.Profile(line.ProfileID)
		if !ok {
			e.logger.Warn("defense line profile not found; skipping", "line", i, "profile_id", line.ProfileID)
			agg.Flags = domain.AppendFlags(agg.Flags, domain.FlagConfigurationError)
			results = append(results, domain.LineResult{Line: i, ProfileResult: domain.ProfileResult{
				ProfileID: line.ProfileID,
				Skipped:   true,
				ErrorKind: domain.ErrorKindConfiguration,
				Error:     fmt.Sprintf("%v: %s", domain.ErrProfileNotFound, line.ProfileID),
				Flags:     []string{domain.FlagConfigurationError},
			}})
			continue
		}

		sigs, _ := signature.Resolve(line.SignatureIDs, snap, opts)
		if inline := signature.Inline(line.InlineSignatures); inline != nil {
			sigs = append(sigs, inline)
		}

		res := e.runProfile(ctx, snap, profile, sigs, facts)
		res.Weight = 1
		results = append(results, domain.LineResult{Line: i, ProfileResult: res})

		agg.Score += res.Score
		agg.Flags = domain.AppendFlags(agg.Flags, res.Flags...)

		if res.Action == domain.ActionBlock {
			agg.Action = domain.ActionBlock
			agg.Blocked = true
			agg.TarpitDelayMS = 0
			reason := LineBlockReason(line.ProfileID, res.Reason)
			agg.Reason = reason
			return results, reason
		}
		if res.Action.Severity() > agg.Action.Severity() {
			agg.Action = res.Action
			agg.Reason = res.Reason
			if res.Action == domain.ActionTarpit {
				agg.TarpitDelayMS = res.TarpitDelayMS
			}
		}
	}
	return results, ""
}
