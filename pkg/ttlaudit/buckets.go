package ttlaudit

import (
	"time"

	"github.com/eunmann/cache-audit/pkg/kvstore"
)

// Bucket identifies a TTL range.
type Bucket uint8

// Buckets in report order.
const (
	Missing Bucket = iota
	NoTTL
	UnderDay
	UnderWeek
	UnderMonth
	UnderQuarter
	QuarterOrMore
	TTLError
	NumBuckets // Sentinel value for array sizing
)

const day = 24 * time.Hour

// BucketInfo describes one bucket.
type BucketInfo struct {
	ID    Bucket `json:"id"`
	Label string `json:"label"`
	// Below is the exclusive upper bound for range buckets, 0 otherwise.
	Below time.Duration `json:"below_ns"`
}

// AllBuckets lists every bucket.
var AllBuckets = []BucketInfo{
	{Missing, "missing(-2)", 0},
	{NoTTL, "no-ttl(-1)", 0},
	{UnderDay, "<1d", day},
	{UnderWeek, "<7d", 7 * day},
	{UnderMonth, "<30d", 30 * day},
	{UnderQuarter, "<90d", 90 * day},
	{QuarterOrMore, ">=90d", 0},
	{TTLError, "(ttl-error)", 0},
}

func (b Bucket) String() string {
	if b < NumBuckets {
		return AllBuckets[b].Label
	}
	return "unknown"
}

// BucketOf classifies a TTL returned by kvstore.Store.TTL.
func BucketOf(ttl time.Duration) Bucket {
	switch {
	case ttl == kvstore.TTLMissing:
		return Missing
	case ttl == kvstore.TTLNoExpiry:
		return NoTTL
	case ttl < 0:
		return Missing
	}
	for _, b := range AllBuckets[UnderDay:QuarterOrMore] {
		if ttl < b.Below {
			return b.ID
		}
	}
	return QuarterOrMore
}
