package bid

import (
	"github.com/google/uuid"

	"github.com/lotline/lotline/internal/models"
)

// challenger is the incoming side of a bidding war: a live bid challenges
// with ceiling == opening; a new proxy challenges with its authorized max.
type challenger struct {
	userID  uuid.UUID
	opening int64
	ceiling int64
}

// outcome is the deterministic result of arbitrating one incoming bid
// against the strongest standing proxy on the lot.
type outcome struct {
	winnerID uuid.UUID
	price    int64
	// standingWon is true when the standing proxy defended the lot, in
	// which case an automatic counter-bid is recorded for its owner.
	standingWon bool
	// standingExhausted is true when the challenger overcame the standing
	// proxy, which is then retired.
	standingExhausted bool
}

// arbitrate resolves a bidding war in one step. The side with the higher
// ceiling wins and pays the lesser of its own ceiling and one increment
// above the rival's ceiling; ties go to the standing proxy because it was
// placed first. With no standing proxy the challenger wins at its opening
// amount.
func arbitrate(c challenger, standing *models.ProxyBid) outcome {
	if standing == nil {
		return outcome{winnerID: c.userID, price: c.opening}
	}

	if standing.MaxAmount >= c.ceiling {
		price := standing.MaxAmount
		if raised := c.ceiling + IncrementAt(c.ceiling); raised < price {
			price = raised
		}
		return outcome{winnerID: standing.UserID, price: price, standingWon: true}
	}

	price := c.ceiling
	if raised := standing.MaxAmount + IncrementAt(standing.MaxAmount); raised < price {
		price = raised
	}
	if price < c.opening {
		price = c.opening
	}
	return outcome{winnerID: c.userID, price: price, standingExhausted: true}
}
