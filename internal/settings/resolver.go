// Package settings resolves layered per-actor and per-tenant configuration.
package settings

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/tenancy/pkg/apperror"
)

// Source labels where a resolved value came from. It is informational only.
type Source string

const (
	SourceCompanyEnforced Source = "company_enforced"
	SourceUser            Source = "user"
	SourceCompanyDefault  Source = "company_default"
	SourceSystem          Source = "system"
)

var (
	ErrEnforcedSetting       = apperror.Authorization("setting_enforced", "the tenant enforces a different value for this setting")
	ErrInvalidTimezone       = apperror.Validation("invalid_timezone", "timezone must be an IANA zone name")
	ErrInvalidSessionTimeout = apperror.Validation("invalid_session_timeout", "session timeout must be between 1 and 1440 minutes")
	ErrInvalidBusinessHours  = apperror.Validation("invalid_business_hours", "business hours must be HH:MM with start before end")
	ErrInvalidBusinessDays   = apperror.Validation("invalid_business_days", "business days must be weekdays 0 (Sunday) to 6 (Saturday)")
)

// Chain is one setting's priority chain.
type Chain[T any] struct {
	ActorOverride *T
	TenantDefault *T
	Enforced      bool
	Fallback      T
}

// Resolve walks the chain: an enforced tenant default wins, then the actor
// override, then the tenant default, then the system fallback.
func Resolve[T any](c Chain[T]) (T, Source) {
	switch {
	case c.Enforced && c.TenantDefault != nil:
		return *c.TenantDefault, SourceCompanyEnforced
	case c.ActorOverride != nil:
		return *c.ActorOverride, SourceUser
	case c.TenantDefault != nil:
		return *c.TenantDefault, SourceCompanyDefault
	default:
		return c.Fallback, SourceSystem
	}
}

// CheckOverride rejects an actor override that conflicts with an enforced
// tenant default. Clearing the override or matching the default is allowed.
func CheckOverride[T comparable](c Chain[T], proposed *T) error {
	if proposed == nil || !c.Enforced || c.TenantDefault == nil {
		return nil
	}
	if *proposed != *c.TenantDefault {
		return ErrEnforcedSetting
	}
	return nil
}

// BusinessHours is a daily [Start, End) window on the listed weekdays.
type BusinessHours struct {
	Start string         `json:"start"`
	End   string         `json:"end"`
	Days  []time.Weekday `json:"days"`
}

// DefaultBusinessDays is Monday to Friday.
func DefaultBusinessDays() []int {
	return []int{1, 2, 3, 4, 5}
}

func (b BusinessHours) Validate() error {
	start, err := parseClock(b.Start)
	if err != nil {
		return err
	}
	end, err := parseClock(b.End)
	if err != nil {
		return err
	}
	if start >= end {
		return ErrInvalidBusinessHours
	}
	return nil
}

// IsBusinessHours reports whether at, seen in loc, falls inside the window.
func IsBusinessHours(at time.Time, loc *time.Location, b BusinessHours) bool {
	start, err := parseClock(b.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(b.End)
	if err != nil || start >= end {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}

	local := at.In(loc)
	dayMatch := false
	for _, d := range b.Days {
		if d == local.Weekday() {
			dayMatch = true
			break
		}
	}
	if !dayMatch {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute < end
}

// ValidateBusinessDays normalizes a day set into sorted unique weekdays.
func ValidateBusinessDays(days []int) ([]int, error) {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(days))
	for _, d := range days {
		if d < 0 || d > 6 {
			return nil, ErrInvalidBusinessDays
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Ints(out)
	return out, nil
}

func Weekdays(days []int) []time.Weekday {
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		out = append(out, time.Weekday(d))
	}
	return out
}

func LoadTimezone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, ErrInvalidTimezone.Wrap(err)
	}
	return loc, nil
}

func ValidateSessionTimeout(minutes int) error {
	if minutes < 1 || minutes > 1440 {
		return ErrInvalidSessionTimeout
	}
	return nil
}

// parseClock turns HH:MM into minutes after midnight.
func parseClock(raw string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%d:%d", &h, &m); err != nil {
		return 0, ErrInvalidBusinessHours.Wrap(err)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, ErrInvalidBusinessHours
	}
	return h*60 + m, nil
}
