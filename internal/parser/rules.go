package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/killfeed/killfeed/pkg/types"
)

// Line is a raw log line plus its CSV split, computed once per line.
type Line struct {
	SourceID string
	Raw      string
	Offset   int64
	Fields   []string
}

// Rule is one (predicate, constructor) pair. Build may still reject a line
// the predicate accepted, in which case evaluation continues.
type Rule struct {
	Name  string
	Match func(l Line) bool
	Build func(l Line) (types.DomainEvent, bool)
}

const (
	deathlogLayout  = "2006.01.02-15.04.05"
	deathlogFields  = 9
	relocationCause = "suicide_by_relocation"
	fallingCause    = "falling"
)

// Deathlog column positions.
const (
	colTime = iota
	colKiller
	colKillerID
	colVictim
	colVictimID
	colWeapon
	colDistance
	colKillerPlatform
	colVictimPlatform
)

var (
	loginRe  = regexp.MustCompile(`^\[(\d{4}\.\d{2}\.\d{2}-\d{2}\.\d{2}\.\d{2}):(\d{3})\].*LogOnline: Login: UniqueId: ([^,\s]+), PlatformId: (\d+)`)
	logoutRe = regexp.MustCompile(`^\[(\d{4}\.\d{2}\.\d{2}-\d{2}\.\d{2}\.\d{2}):(\d{3})\].*LogOnline: Logout: UniqueId: ([^,\s]+)`)
	killRe   = regexp.MustCompile(`^(?:\[(\d{4}\.\d{2}\.\d{2}-\d{2}\.\d{2}\.\d{2})\]\s+)?(\S+) killed (\S+)(?: with (.+?))?(?: from ([\d.]+)m)?$`)
)

// DefaultEnvironmentalCauses are self-inflicted causes attributed to the world.
var DefaultEnvironmentalCauses = []string{
	"drowning", "bleeding", "starvation", "dehydration", "hypothermia",
	"radiation", "fire", "zombie", "animal", "wolf", "bear",
}

func isDeathlog(l Line) bool {
	return len(l.Fields) >= deathlogFields
}

func weaponOf(l Line) string {
	return strings.ToLower(strings.TrimSpace(l.Fields[colWeapon]))
}

func selfInflicted(l Line) bool {
	return strings.TrimSpace(l.Fields[colKillerID]) == strings.TrimSpace(l.Fields[colVictimID]) ||
		strings.TrimSpace(l.Fields[colKiller]) == strings.TrimSpace(l.Fields[colVictim])
}

// defaultRules returns the rule list in priority order. Specific deathlog
// causes come before the generic suicide and kill rules.
func (p *Parser) defaultRules() []Rule {
	return []Rule{
		{
			Name:  "relocation",
			Match: func(l Line) bool { return isDeathlog(l) && weaponOf(l) == relocationCause },
			Build: func(l Line) (types.DomainEvent, bool) {
				return p.selfDeath(l, types.KindSuicide, "Menu Suicide")
			},
		},
		{
			Name:  "falling",
			Match: func(l Line) bool { return isDeathlog(l) && weaponOf(l) == fallingCause },
			Build: func(l Line) (types.DomainEvent, bool) {
				return p.selfDeath(l, types.KindFall, "Falling")
			},
		},
		{
			Name: "environmental",
			Match: func(l Line) bool {
				return isDeathlog(l) && selfInflicted(l) && p.envCauses[weaponOf(l)]
			},
			Build: func(l Line) (types.DomainEvent, bool) {
				return p.selfDeath(l, types.KindEnvironmental, strings.TrimSpace(l.Fields[colWeapon]))
			},
		},
		{
			Name:  "suicide",
			Match: func(l Line) bool { return isDeathlog(l) && selfInflicted(l) },
			Build: func(l Line) (types.DomainEvent, bool) {
				return p.selfDeath(l, types.KindSuicide, "Suicide")
			},
		},
		{
			Name:  "kill",
			Match: isDeathlog,
			Build: p.deathlogKill,
		},
		{
			Name:  "text-kill",
			Match: func(l Line) bool { return strings.Contains(l.Raw, " killed ") },
			Build: p.textKill,
		},
		{
			Name:  "connect",
			Match: func(l Line) bool { return strings.Contains(l.Raw, "LogOnline: Login:") },
			Build: p.connect,
		},
		{
			Name:  "disconnect",
			Match: func(l Line) bool { return strings.Contains(l.Raw, "LogOnline: Logout:") },
			Build: p.disconnect,
		},
	}
}

func parseDeathlogTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(deathlogLayout, s); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}

func parseServerTime(stamp, millis string) (time.Time, bool) {
	ts, err := time.Parse(deathlogLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	ms, _ := strconv.Atoi(millis)
	return ts.Add(time.Duration(ms) * time.Millisecond).UTC(), true
}

func parseDistance(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "N/A") {
		return 0
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func (p *Parser) selfDeath(l Line, kind types.EventKind, weapon string) (types.DomainEvent, bool) {
	ts, ok := parseDeathlogTime(l.Fields[colTime])
	if !ok {
		return types.DomainEvent{}, false
	}
	victimID := strings.TrimSpace(l.Fields[colVictimID])
	victim := strings.TrimSpace(l.Fields[colVictim])
	if victimID == "" {
		victimID = victim
	}
	if victimID == "" {
		return types.DomainEvent{}, false
	}
	return types.DomainEvent{
		Kind:       kind,
		Timestamp:  ts,
		SourceID:   l.SourceID,
		ActorID:    victimID,
		ActorName:  victim,
		VictimID:   victimID,
		VictimName: victim,
		Weapon:     weapon,
		Faction:    p.factionOf(victimID),
		Platform:   strings.TrimSpace(l.Fields[colVictimPlatform]),
	}, true
}

func (p *Parser) deathlogKill(l Line) (types.DomainEvent, bool) {
	ts, ok := parseDeathlogTime(l.Fields[colTime])
	if !ok {
		return types.DomainEvent{}, false
	}
	killer := strings.TrimSpace(l.Fields[colKiller])
	victim := strings.TrimSpace(l.Fields[colVictim])
	if killer == "" || victim == "" {
		return types.DomainEvent{}, false
	}
	killerID := strings.TrimSpace(l.Fields[colKillerID])
	if killerID == "" {
		killerID = killer
	}
	victimID := strings.TrimSpace(l.Fields[colVictimID])
	if victimID == "" {
		victimID = victim
	}
	return types.DomainEvent{
		Kind:       types.KindKill,
		Timestamp:  ts,
		SourceID:   l.SourceID,
		ActorID:    killerID,
		ActorName:  killer,
		VictimID:   victimID,
		VictimName: victim,
		Weapon:     strings.TrimSpace(l.Fields[colWeapon]),
		Faction:    p.factionOf(killerID),
		Distance:   parseDistance(l.Fields[colDistance]),
		Platform:   strings.TrimSpace(l.Fields[colKillerPlatform]),
	}, true
}

func (p *Parser) textKill(l Line) (types.DomainEvent, bool) {
	m := killRe.FindStringSubmatch(strings.TrimSpace(l.Raw))
	if m == nil {
		return types.DomainEvent{}, false
	}
	// Untimed lines are identified by their offset.
	var ts time.Time
	if m[1] != "" {
		parsed, ok := parseDeathlogTime(m[1])
		if !ok {
			return types.DomainEvent{}, false
		}
		ts = parsed
	}
	killer, victim := m[2], m[3]
	kind := types.KindKill
	if killer == victim {
		kind = types.KindSuicide
	}
	return types.DomainEvent{
		Kind:       kind,
		Timestamp:  ts,
		SourceID:   l.SourceID,
		ActorID:    killer,
		ActorName:  killer,
		VictimID:   victim,
		VictimName: victim,
		Weapon:     m[4],
		Faction:    p.factionOf(killer),
		Distance:   parseDistance(m[5]),
		Offset:     l.Offset,
	}, true
}

func (p *Parser) connect(l Line) (types.DomainEvent, bool) {
	m := loginRe.FindStringSubmatch(l.Raw)
	if m == nil {
		return types.DomainEvent{}, false
	}
	ts, ok := parseServerTime(m[1], m[2])
	if !ok {
		return types.DomainEvent{}, false
	}
	return types.DomainEvent{
		Kind:      types.KindConnect,
		Timestamp: ts,
		SourceID:  l.SourceID,
		ActorID:   m[4],
		ActorName: m[3],
		Faction:   p.factionOf(m[4]),
	}, true
}

func (p *Parser) disconnect(l Line) (types.DomainEvent, bool) {
	m := logoutRe.FindStringSubmatch(l.Raw)
	if m == nil {
		return types.DomainEvent{}, false
	}
	ts, ok := parseServerTime(m[1], m[2])
	if !ok {
		return types.DomainEvent{}, false
	}
	// Logout lines carry only the unique id. The event is built from the
	// line alone so a re-read yields the same fingerprint.
	return types.DomainEvent{
		Kind:      types.KindDisconnect,
		Timestamp: ts,
		SourceID:  l.SourceID,
		ActorID:   m[3],
		ActorName: m[3],
	}, true
}
