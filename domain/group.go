package domain

import (
	"sort"
	"time"
)

// PastBucket collects every task dated before the current calendar day.
const PastBucket = "past"

const dayLayout = "2006-01-02"

// DayKey formats the calendar day of ts as seen from loc.
func DayKey(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return ts.In(loc).Format(dayLayout)
}

// GroupByDisplayBucket partitions tasks into one bucket per upcoming calendar
// day (keyed YYYY-MM-DD, today included) and a single PastBucket. Days are
// evaluated in today's location. Each bucket is ordered by date ascending.
// The input slice is left untouched.
func GroupByDisplayBucket(tasks []Task, today time.Time) map[string][]Task {
	loc := today.Location()
	todayKey := DayKey(today, loc)

	groups := make(map[string][]Task)
	for _, t := range tasks {
		key := DayKey(t.Date, loc)
		if key < todayKey {
			key = PastBucket
		}
		groups[key] = append(groups[key], t)
	}
	for _, bucket := range groups {
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].Date.Equal(bucket[j].Date) {
				return bucket[i].ID < bucket[j].ID
			}
			return bucket[i].Date.Before(bucket[j].Date)
		})
	}
	return groups
}

// BucketKeys lists the bucket keys in display order: upcoming days ascending,
// PastBucket last.
func BucketKeys(groups map[string][]Task) []string {
	keys := make([]string, 0, len(groups))
	_, hasPast := groups[PastBucket]
	for k := range groups {
		if k == PastBucket {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if hasPast {
		keys = append(keys, PastBucket)
	}
	return keys
}
