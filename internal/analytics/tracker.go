// Package analytics records product events for signed-in users.
package analytics

import (
	"errors"
	"fmt"
	"time"

	"github.com/posthog/posthog-go"
)

const (
	// EventUserSignedIn is captured after every successful sign-in.
	EventUserSignedIn = "user_signed_in"
	// EventIdentify is PostHog's reserved event for setting person properties.
	EventIdentify = "$identify"
)

// Enqueuer is the subset of the PostHog client the tracker needs.
type Enqueuer interface {
	Enqueue(posthog.Message) error
}

// Profile holds the person properties sent with identify.
type Profile struct {
	Name      string
	Email     string
	AvatarURL string
}

// Tracker sends sign-in events to PostHog. Messages are queued and delivered
// in batches by the SDK, so calls do not wait on the network.
type Tracker struct {
	client Enqueuer
	close  func() error
	now    func() time.Time
}

// New builds a tracker backed by the PostHog SDK. It returns a nil tracker
// when apiKey is empty, meaning analytics is not configured.
func New(apiKey, endpoint string) (*Tracker, error) {
	if apiKey == "" {
		return nil, nil
	}
	cfg := posthog.Config{}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	client, err := posthog.NewWithConfig(apiKey, cfg)
	if err != nil {
		return nil, fmt.Errorf("analytics: new posthog client: %w", err)
	}
	t := NewTracker(client)
	t.close = client.Close
	return t, nil
}

// NewTracker wraps an existing enqueuer.
func NewTracker(client Enqueuer) *Tracker {
	return &Tracker{client: client, now: time.Now}
}

// TrackSignIn identifies userID with profile, records the signup date once,
// and captures EventUserSignedIn.
//
// posthog.Identify nests every property under $set, so the identify goes out
// as a raw $identify capture carrying $set and $set_once side by side.
func (t *Tracker) TrackSignIn(userID string, profile Profile) error {
	if t == nil || t.client == nil {
		return errors.New("analytics: tracker not configured")
	}

	set := map[string]any{}
	if profile.Name != "" {
		set["name"] = profile.Name
	}
	if profile.Email != "" {
		set["email"] = profile.Email
	}
	if profile.AvatarURL != "" {
		set["avatar_url"] = profile.AvatarURL
	}
	props := posthog.NewProperties().
		Set("$set", set).
		Set("$set_once", map[string]any{
			"signup_date": t.now().UTC().Format(time.RFC3339),
		})

	if err := t.client.Enqueue(posthog.Capture{DistinctId: userID, Event: EventIdentify, Properties: props}); err != nil {
		return fmt.Errorf("analytics: identify: %w", err)
	}
	if err := t.client.Enqueue(posthog.Capture{DistinctId: userID, Event: EventUserSignedIn}); err != nil {
		return fmt.Errorf("analytics: capture: %w", err)
	}
	return nil
}

// Close flushes queued events.
func (t *Tracker) Close() error {
	if t == nil || t.close == nil {
		return nil
	}
	return t.close()
}
