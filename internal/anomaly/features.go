// Package anomaly scores events against an isolation forest trained on the
// recent behaviour of the monitored accounts.
package anomaly

import (
	"math"
	"sort"
	"time"

	"iam-monitor/internal/schema"
)

// FeatureNames lists the model inputs in vector order.
var FeatureNames = []string{
	"hour_of_day",
	"day_of_week",
	"is_weekend",
	"is_off_hours",
	"source_ip_entropy",
	"user_agent_entropy",
	"event_count_1h",
	"event_count_24h",
	"unique_actions_1h",
	"unique_resources_1h",
	"is_cross_account",
	"is_admin_action",
	"is_policy_change",
	"is_s3_action",
	"request_size",
}

// NumFeatures is the length of a feature vector.
const NumFeatures = 15

// Extract builds the feature vector of ev. recent holds the principal's
// earlier activity; entries outside the trailing day are ignored.
func Extract(ev *schema.Event, recent []schema.Activity) []float64 {
	t := ev.EventTime.UTC()
	weekday := (int(t.Weekday()) + 6) % 7 // Monday = 0

	c := countActivity(ev, recent)
	return []float64{
		float64(t.Hour()),
		float64(weekday),
		flag(weekday >= 5),
		flag(t.Hour() < 6 || t.Hour() >= 22),
		Entropy(ev.SourceIP),
		Entropy(ev.UserAgent),
		float64(c.lastHour),
		float64(c.lastDay),
		float64(c.actionsHour),
		float64(c.resourcesHour),
		flag(ev.IsCrossAccount()),
		flag(ev.IsAdminAction()),
		flag(ev.IsPolicyChange()),
		flag(ev.IsS3Action()),
		float64(ev.RequestSize()),
	}
}

type activityCounts struct {
	lastHour      int
	lastDay       int
	actionsHour   int
	resourcesHour int
}

// countActivity counts activity strictly before ev within the trailing
// hour and day. The event itself is excluded when present.
func countActivity(ev *schema.Event, recent []schema.Activity) activityCounts {
	var c activityCounts
	hourAgo := ev.EventTime.Add(-time.Hour)
	dayAgo := ev.EventTime.Add(-24 * time.Hour)
	actions := make(map[string]struct{})
	resources := make(map[string]struct{})
	for _, a := range recent {
		if a.EventID == ev.EventID || a.At.After(ev.EventTime) || a.At.Before(dayAgo) {
			continue
		}
		c.lastDay++
		if a.At.Before(hourAgo) {
			continue
		}
		c.lastHour++
		actions[a.EventName] = struct{}{}
		if a.Resource != "" {
			resources[a.Resource] = struct{}{}
		}
	}
	c.actionsHour = len(actions)
	c.resourcesHour = len(resources)
	return c
}

// Entropy returns the Shannon entropy of s over its characters, normalized
// by the maximum for the number of distinct characters.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	if len(freq) < 2 {
		return 0
	}
	h := 0.0
	for _, n := range freq {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(len(freq)))
}

// trainingVectors extracts features for a training window, deriving each
// event's trailing counts from the window itself.
func trainingVectors(events []*schema.Event) [][]float64 {
	byPrincipal := make(map[string][]schema.Activity)
	for _, ev := range events {
		byPrincipal[ev.Principal] = append(byPrincipal[ev.Principal], schema.ActivityOf(ev))
	}
	for _, acts := range byPrincipal {
		sort.Slice(acts, func(i, j int) bool { return acts[i].At.Before(acts[j].At) })
	}

	vectors := make([][]float64, 0, len(events))
	for _, ev := range events {
		acts := byPrincipal[ev.Principal]
		lo := sort.Search(len(acts), func(i int) bool { return !acts[i].At.Before(ev.EventTime.Add(-24 * time.Hour)) })
		hi := sort.Search(len(acts), func(i int) bool { return acts[i].At.After(ev.EventTime) })
		vectors = append(vectors, Extract(ev, acts[lo:hi]))
	}
	return vectors
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
