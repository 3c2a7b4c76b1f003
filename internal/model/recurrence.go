package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frequency names the unit a recurrence rule advances by
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// Rule is a recurrence rule. It is implemented only by Daily, Weekly,
// Monthly and Yearly.
type Rule interface {
	Frequency() Frequency
	Every() int
	rule()
}

// Daily repeats every Interval days
type Daily struct{ Interval int }

// Weekly repeats every Interval weeks
type Weekly struct{ Interval int }

// Monthly repeats every Interval calendar months
type Monthly struct{ Interval int }

// Yearly repeats every Interval calendar years
type Yearly struct{ Interval int }

func (Daily) Frequency() Frequency   { return FrequencyDaily }
func (Weekly) Frequency() Frequency  { return FrequencyWeekly }
func (Monthly) Frequency() Frequency { return FrequencyMonthly }
func (Yearly) Frequency() Frequency  { return FrequencyYearly }

func (r Daily) Every() int   { return r.Interval }
func (r Weekly) Every() int  { return r.Interval }
func (r Monthly) Every() int { return r.Interval }
func (r Yearly) Every() int  { return r.Interval }

func (Daily) rule()   {}
func (Weekly) rule()  {}
func (Monthly) rule() {}
func (Yearly) rule()  {}

// NewRule builds the rule variant for a frequency name
func NewRule(freq Frequency, interval int) (Rule, error) {
	switch freq {
	case FrequencyDaily:
		return Daily{Interval: interval}, nil
	case FrequencyWeekly:
		return Weekly{Interval: interval}, nil
	case FrequencyMonthly:
		return Monthly{Interval: interval}, nil
	case FrequencyYearly:
		return Yearly{Interval: interval}, nil
	}
	return nil, fmt.Errorf("unknown recurrence type %q", freq)
}

// RecurrencePattern generates successive occurrences from a base schedule
type RecurrencePattern struct {
	Rule    Rule
	EndDate *time.Time
}

// Clone returns a copy that shares no pointers with p
func (p RecurrencePattern) Clone() RecurrencePattern {
	c := RecurrencePattern{Rule: p.Rule}
	if p.EndDate != nil {
		end := *p.EndDate
		c.EndDate = &end
	}
	return c
}

type recurrenceJSON struct {
	Type     Frequency  `json:"type"`
	Interval int        `json:"interval"`
	EndDate  *time.Time `json:"end_date,omitempty"`
}

// MarshalJSON encodes the pattern as {type, interval, end_date}
func (p RecurrencePattern) MarshalJSON() ([]byte, error) {
	if p.Rule == nil {
		return nil, fmt.Errorf("recurrence pattern has no rule")
	}
	return json.Marshal(recurrenceJSON{
		Type:     p.Rule.Frequency(),
		Interval: p.Rule.Every(),
		EndDate:  p.EndDate,
	})
}

// UnmarshalJSON decodes the {type, interval, end_date} form
func (p *RecurrencePattern) UnmarshalJSON(data []byte) error {
	var raw recurrenceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rule, err := NewRule(raw.Type, raw.Interval)
	if err != nil {
		return err
	}
	p.Rule = rule
	p.EndDate = raw.EndDate
	return nil
}
