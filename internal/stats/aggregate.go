// Package stats computes dashboard statistics over the full capsule set.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/futurevault/futurevault-go/internal/model"
)

const (
	// SoonWindow is how far ahead a locked capsule counts as unlocking soon.
	SoonWindow = 24 * time.Hour

	recentActivityLimit = 10
	timelineLimit       = 7
	dayLabelLayout      = "Jan 2"
)

// TimelineOrder selects how unlock timeline buckets are ordered before the last 7 are kept.
type TimelineOrder string

const (
	// TimelineChronological sorts buckets by calendar day.
	TimelineChronological TimelineOrder = "chronological"
	// TimelineFirstSeen keeps buckets in the order their label first appears in the capsule list.
	TimelineFirstSeen TimelineOrder = "first-seen"
)

// ParseTimelineOrder accepts "chronological" (default) or "first-seen".
func ParseTimelineOrder(s string) (TimelineOrder, error) {
	switch TimelineOrder(strings.ToLower(strings.TrimSpace(s))) {
	case "", TimelineChronological:
		return TimelineChronological, nil
	case TimelineFirstSeen:
		return TimelineFirstSeen, nil
	}
	return "", fmt.Errorf("unknown timeline order %q", s)
}

// Options tunes Compute.
type Options struct {
	Location *time.Location // day boundaries for the timeline; UTC when nil
	Timeline TimelineOrder
}

// Compute projects capsules (in registry index order) into CapsuleStats as seen at now.
// viewer may be empty.
func Compute(capsules []model.Capsule, viewer string, now time.Time, opts Options) model.CapsuleStats {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	nowUnix := now.Unix()
	soon := now.Add(SoonWindow).Unix()

	st := model.EmptyStats()
	st.Total = len(capsules)

	var durationSum int64
	for _, c := range capsules {
		locked := c.UnlockTimestamp > nowUnix
		if locked {
			st.Locked++
			if c.UnlockTimestamp <= soon {
				st.CapsulesUnlockingSoon++
			}
		} else {
			st.Unlocked++
		}
		if viewer != "" && strings.EqualFold(c.Creator, viewer) {
			st.UserTotal++
			if locked {
				st.UserLocked++
			} else {
				st.UserUnlocked++
			}
		}
		durationSum += c.UnlockTimestamp - nowUnix
	}
	if len(capsules) > 0 {
		st.AverageLockDuration = float64(durationSum) / float64(len(capsules))
	}

	st.RecentActivity = recentActivity(capsules, nowUnix)
	st.UnlockTimeline = timeline(capsules, nowUnix, loc, opts.Timeline)
	return st
}

// recentActivity maps the last 10 capsules by index, newest first.
func recentActivity(capsules []model.Capsule, nowUnix int64) []model.ActivityItem {
	start := len(capsules) - recentActivityLimit
	if start < 0 {
		start = 0
	}
	tail := capsules[start:]
	out := make([]model.ActivityItem, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		c := tail[i]
		typ := model.ActivityUnlocked
		if c.UnlockTimestamp > nowUnix {
			typ = model.ActivityCreated
		}
		out = append(out, model.ActivityItem{
			ID:        c.ID,
			Type:      typ,
			Timestamp: c.UnlockTimestamp,
			Creator:   c.Creator,
		})
	}
	return out
}

type bucket struct {
	day  time.Time // midnight in loc, used for chronological order
	item model.TimelineItem
}

func timeline(capsules []model.Capsule, nowUnix int64, loc *time.Location, order TimelineOrder) []model.TimelineItem {
	chronological := order != TimelineFirstSeen

	index := make(map[string]int)
	buckets := make([]*bucket, 0)
	for _, c := range capsules {
		t := time.Unix(c.UnlockTimestamp, 0).In(loc)
		label := t.Format(dayLabelLayout)
		// chronological buckets are per calendar day; first-seen merges equal labels across years
		key := label
		if chronological {
			key = t.Format("2006-01-02")
		}
		i, ok := index[key]
		if !ok {
			i = len(buckets)
			index[key] = i
			buckets = append(buckets, &bucket{
				day:  time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc),
				item: model.TimelineItem{Date: label},
			})
		}
		b := buckets[i]
		b.item.Count++
		if c.UnlockTimestamp > nowUnix {
			b.item.Locked++
		} else {
			b.item.Unlocked++
		}
	}

	if chronological {
		sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].day.Before(buckets[j].day) })
	}
	if len(buckets) > timelineLimit {
		buckets = buckets[len(buckets)-timelineLimit:]
	}
	out := make([]model.TimelineItem, len(buckets))
	for i, b := range buckets {
		out[i] = b.item
	}
	return out
}
