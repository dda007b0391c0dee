package fund

import (
	"math"
	"time"

	"github.com/dukerupert/commonfund/internal/model"
)

// voteTolerance is a fraction of one vote subtracted from members × threshold
// before rounding up, so a rounded percentage like 3 × 0.67 = 2.01 needs two
// approvals. It is absolute, so it does not grow with the wallet.
const voteTolerance = 0.01

// RequiredVotes returns the number of approvals needed to pass a proposal in a
// wallet with the given number of active members.
func RequiredVotes(activeMembers int, threshold float64) int {
	if activeMembers <= 0 {
		return 1
	}
	required := int(math.Ceil(float64(activeMembers)*threshold - voteTolerance))
	if required < 1 {
		required = 1
	}
	if required > activeMembers {
		required = activeMembers
	}
	return required
}

// Decide returns the status a voting proposal moves to given its tally. It
// returns ProposalVoting while the outcome is still open.
func Decide(t model.Tally, deadline, now time.Time) model.ProposalStatus {
	if t.Approve >= t.Required {
		return model.ProposalApproved
	}
	if t.Reject > t.ActiveMembers-t.Required {
		return model.ProposalRejected
	}
	if !now.Before(deadline) {
		return model.ProposalRejected
	}
	return model.ProposalVoting
}
