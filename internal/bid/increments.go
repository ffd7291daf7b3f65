package bid

// incrementBand is one tier of the minimum-increment schedule.
type incrementBand struct {
	upTo      int64 // exclusive upper bound of the band, in cents
	increment int64
}

// incrementSchedule is the tiered minimum-increment table, in cents.
// Bands are ascending and increments non-decreasing, so the minimum step
// grows deterministically with price. Applied identically on every accept
// path.
var incrementSchedule = []incrementBand{
	{upTo: 10_000, increment: 1_000},      // below $100: $10
	{upTo: 50_000, increment: 2_500},      // below $500: $25
	{upTo: 100_000, increment: 5_000},     // below $1,000: $50
	{upTo: 1_000_000, increment: 10_000},  // below $10,000: $100
	{upTo: 5_000_000, increment: 25_000},  // below $50,000: $250
}

// topIncrement applies at and above the last band boundary: $500.
const topIncrement int64 = 50_000

// IncrementAt returns the minimum bid increment for a given price.
func IncrementAt(price int64) int64 {
	for _, band := range incrementSchedule {
		if price < band.upTo {
			return band.increment
		}
	}
	return topIncrement
}

// MinimumRaise returns the lowest acceptable next bid over price.
func MinimumRaise(price int64) int64 {
	return price + IncrementAt(price)
}
