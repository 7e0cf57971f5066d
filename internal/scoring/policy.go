package scoring

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// deviationNoteFloor is the relative distance from a user's mean amount
// beyond which the decision reason carries an audit note.
const deviationNoteFloor = 3.0

// Decide maps a fused risk score onto a discrete action. The BLOCK band
// is closed on its lower edge (score == blockThreshold blocks) and the
// CHALLENGE band is open on its lower edge (score == challengeThreshold
// allows). The large-amount override escalates a CHALLENGE to BLOCK and
// says so in the reason; it never touches an ALLOW. A non-finite score
// is rejected with ErrInvalidInput rather than falling into the ALLOW
// band. When the amount sits far from the user's historical average the
// reason carries an audit note.
func Decide(score float64, tx *domain.Transaction, cfg domain.ScoringConfig) (domain.Decision, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return domain.Decision{}, fmt.Errorf("%w: risk score %v is not finite", domain.ErrInvalidInput, score)
	}

	var d domain.Decision
	switch {
	case score >= cfg.BlockThreshold:
		d = domain.Decision{
			Action: domain.ActionBlock,
			Reason: fmt.Sprintf("risk score %.2f at or above block threshold %.2f", score, cfg.BlockThreshold),
		}
	case score > cfg.ChallengeThreshold:
		if cfg.LargeAmountOverride > 0 && tx.Amount >= cfg.LargeAmountOverride {
			d = domain.Decision{
				Action: domain.ActionBlock,
				Reason: fmt.Sprintf("risk score %.2f in challenge band escalated: amount %.2f exceeds large-amount limit %.2f", score, tx.Amount, cfg.LargeAmountOverride),
			}
		} else {
			d = domain.Decision{
				Action: domain.ActionChallenge,
				Reason: fmt.Sprintf("risk score %.2f above challenge threshold %.2f", score, cfg.ChallengeThreshold),
			}
		}
	default:
		d = domain.Decision{
			Action: domain.ActionAllow,
			Reason: fmt.Sprintf("risk score %.2f within normal range", score),
		}
	}

	if tx.AmountDeviation >= deviationNoteFloor {
		d.Reason += fmt.Sprintf("; amount deviates %.1fx from the user's average", tx.AmountDeviation)
	}

	return d, nil
}
