package processor

import (
	"strings"

	"tidemark/pkg/dcb"
)

// Subscription describes the slice of the log a processor consumes.
//
// EventTypes and ExactTags compile into the store query: types with = ANY,
// exact "key=value" pairs with tag containment. RequiredTags (key must be
// present with any value) and AnyOfTags (at least one "key=value" present)
// cannot be expressed by containment and run as a post-fetch predicate.
type Subscription struct {
	EventTypes   []string
	RequiredTags []string // tag keys
	AnyOfTags    []string // "key=value" entries
	ExactTags    []string // "key=value" entries
	Publishers   []string
}

// NewSubscription parses the comma-separated config form.
func NewSubscription(cfg SubscriptionConfig) Subscription {
	return Subscription{
		EventTypes:   splitSet(cfg.EventTypes),
		RequiredTags: splitSet(cfg.RequiredTags),
		AnyOfTags:    splitSet(cfg.AnyOfTags),
		ExactTags:    splitSet(cfg.ExactTags),
		Publishers:   splitSet(cfg.Publishers),
	}
}

// Query compiles the pushdown part of the subscription.
func (s Subscription) Query() dcb.Query {
	tags := make([]dcb.Tag, 0, len(s.ExactTags))
	for _, entry := range s.ExactTags {
		key, value, _ := strings.Cut(entry, "=")
		tags = append(tags, dcb.NewTag(key, value))
	}
	return dcb.NewQuery(tags, s.EventTypes...)
}

// Matches applies the post-fetch part of the subscription.
func (s Subscription) Matches(event dcb.Event) bool {
	if len(s.RequiredTags) > 0 {
		keys := make(map[string]bool, len(event.Tags))
		for _, t := range event.Tags {
			keys[t.GetKey()] = true
		}
		for _, required := range s.RequiredTags {
			if !keys[required] {
				return false
			}
		}
	}

	if len(s.AnyOfTags) > 0 {
		pairs := make(map[string]bool, len(event.Tags))
		for _, t := range event.Tags {
			pairs[t.GetKey()+"="+t.GetValue()] = true
		}
		found := false
		for _, candidate := range s.AnyOfTags {
			if pairs[candidate] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
