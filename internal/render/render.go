// Package render turns events and economy notifications into webhook
// payloads. Rendering is best effort: callers log failures and move on.
package render

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/sjson"

	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/pkg/types"
)

// Renderer delivers rendered payloads somewhere a player will see them.
type Renderer interface {
	RenderEvent(ctx context.Context, e types.DomainEvent) error
	RenderNotification(ctx context.Context, n notify.Notification) error
}

// Embed colours.
const (
	colorKill     = 0xC0392B
	colorDeath    = 0x7F8C8D
	colorPresence = 0x2980B9
	colorEconomy  = 0xF1C40F
)

// Describe returns a one-line human description of an event.
func Describe(e types.DomainEvent) string {
	actor := displayName(e.ActorName, e.ActorID)
	victim := displayName(e.VictimName, e.VictimID)
	switch e.Kind {
	case types.KindKill:
		if e.ActorID == e.VictimID || e.ActorID == "" {
			return fmt.Sprintf("%s killed themselves", victim)
		}
		s := fmt.Sprintf("%s killed %s", actor, victim)
		if e.Weapon != "" {
			s += " with " + e.Weapon
		}
		if e.Distance > 0 {
			s += fmt.Sprintf(" from %sm", humanize.FtoaWithDigits(e.Distance, 1))
		}
		return s
	case types.KindSuicide:
		return fmt.Sprintf("%s committed suicide", actor)
	case types.KindFall:
		return fmt.Sprintf("%s fell to their death", displayName(e.VictimName, orID(e.VictimID, e.ActorID)))
	case types.KindEnvironmental:
		s := fmt.Sprintf("%s died", displayName(e.VictimName, orID(e.VictimID, e.ActorID)))
		if e.Weapon != "" {
			s += " to " + e.Weapon
		}
		return s
	case types.KindConnect:
		return fmt.Sprintf("%s connected", actor)
	case types.KindDisconnect:
		return fmt.Sprintf("%s disconnected", actor)
	case types.KindRotation:
		return fmt.Sprintf("log rotated on %s", e.SourceID)
	}
	return string(e.Kind)
}

// EventPayload builds the webhook JSON for an event.
func EventPayload(e types.DomainEvent) ([]byte, error) {
	color := colorDeath
	switch e.Kind {
	case types.KindKill:
		color = colorKill
	case types.KindConnect, types.KindDisconnect, types.KindRotation:
		color = colorPresence
	}

	body := `{}`
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.Set(body, path, v)
		}
	}
	set("embeds.0.title", string(e.Kind))
	set("embeds.0.description", Describe(e))
	set("embeds.0.color", color)
	set("embeds.0.timestamp", e.Timestamp.UTC().Format(time.RFC3339))
	set("embeds.0.footer.text", e.SourceID)
	fields := 0
	field := func(name, value string) {
		if value == "" {
			return
		}
		set(fmt.Sprintf("embeds.0.fields.%d.name", fields), name)
		set(fmt.Sprintf("embeds.0.fields.%d.value", fields), value)
		set(fmt.Sprintf("embeds.0.fields.%d.inline", fields), true)
		fields++
	}
	field("Weapon", e.Weapon)
	if e.Distance > 0 {
		field("Distance", humanize.FtoaWithDigits(e.Distance, 1)+" m")
	}
	field("Faction", e.Faction)
	field("Platform", e.Platform)
	if err != nil {
		return nil, fmt.Errorf("render: build event payload: %w", err)
	}
	return []byte(body), nil
}

// NotificationPayload builds the webhook JSON for an economy notification.
func NotificationPayload(n notify.Notification) ([]byte, error) {
	body, err := sjson.Set(`{}`, "embeds.0.title", string(n.Type))
	if err == nil {
		body, err = sjson.Set(body, "embeds.0.description", describeNotification(n))
	}
	if err == nil {
		body, err = sjson.Set(body, "embeds.0.color", colorEconomy)
	}
	if err == nil && !n.Timestamp.IsZero() {
		body, err = sjson.Set(body, "embeds.0.timestamp", n.Timestamp.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("render: build notification payload: %w", err)
	}
	return []byte(body), nil
}

func describeNotification(n notify.Notification) string {
	amount := humanize.Comma(n.Amount)
	switch n.Type {
	case notify.BountyPosted:
		return fmt.Sprintf("%s put a %s bounty on %s", n.PlayerID, amount, n.Counterparty)
	case notify.BountyClaimed:
		return fmt.Sprintf("%s claimed the %s bounty on %s", n.PlayerID, amount, n.Counterparty)
	case notify.BountyExpired:
		return fmt.Sprintf("bounty on %s expired, %s refunded to %s", n.Counterparty, amount, n.PlayerID)
	case notify.SessionResolved:
		return fmt.Sprintf("%s: %s (%s)", n.PlayerID, n.Detail, signed(n.Amount))
	}
	if n.Detail != "" {
		return n.Detail
	}
	return fmt.Sprintf("%s %s", n.PlayerID, amount)
}

func signed(v int64) string {
	if v > 0 {
		return "+" + humanize.Comma(v)
	}
	return humanize.Comma(v)
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	if id != "" {
		return id
	}
	return "unknown"
}

func orID(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
