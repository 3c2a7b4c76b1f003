package scheduler

import (
	"sort"
	"time"

	"github.com/t77yq/content-scheduler/internal/model"
)

// ProjectedOccurrence is a future occurrence of a recurring schedule that
// does not exist as a record yet
type ProjectedOccurrence struct {
	ParentScheduleID string    `json:"parent_schedule_id"`
	ContentID        string    `json:"content_id"`
	Title            string    `json:"title,omitempty"`
	PublishAt        time.Time `json:"publish_at"`
	RecurrenceIndex  int       `json:"recurrence_index"`
}

// CalendarDay groups the schedules publishing on one local date
type CalendarDay struct {
	Date      string                `json:"date"`
	Schedules []*model.Schedule     `json:"schedules"`
	Projected []ProjectedOccurrence `json:"projected,omitempty"`
}

// CalendarView is the calendar data for a date range
type CalendarView struct {
	Start     time.Time                         `json:"start"`
	End       time.Time                         `json:"end"`
	Days      []CalendarDay                     `json:"days"`
	Conflicts map[string][]model.ConflictRecord `json:"conflicts,omitempty"`
	Total     int                               `json:"total"`
}

// Workload summarises one team member's schedules in a range
type Workload struct {
	Total    int `json:"total"`
	Upcoming int `json:"upcoming"`
	Overdue  int `json:"overdue"`
}

// GetCalendarView returns schedules in [start, end] grouped by local date,
// the conflicts among active schedules in that range and the projected
// occurrences of recurring schedules
func (s *ContentScheduler) GetCalendarView(start, end time.Time, filters ScheduleFilters) CalendarView {
	view := CalendarView{
		Start:     start,
		End:       end,
		Conflicts: make(map[string][]model.ConflictRecord),
	}

	days := make(map[string]*CalendarDay)
	day := func(t time.Time) *CalendarDay {
		key := t.In(s.cfg.Location).Format(calendarDateLayout)
		d, ok := days[key]
		if !ok {
			d = &CalendarDay{Date: key}
			days[key] = d
		}
		return d
	}

	for _, sc := range s.store.QueryRange(start, end, filters) {
		d := day(sc.PublishAt)
		d.Schedules = append(d.Schedules, sc)
		view.Total++

		if sc.Status == model.ScheduleStatusScheduled || sc.Status == model.ScheduleStatusApproved {
			if conflicts := s.DetectConflicts(sc); len(conflicts) > 0 {
				view.Conflicts[sc.ID] = conflicts
			}
		}
	}

	// only the active head of a recurrence chain projects forward; earlier
	// occurrences already spawned their successor
	for _, sc := range s.store.QueryRange(start.Add(-366*24*time.Hour), end, filters) {
		if sc.Recurrence == nil || !sc.Status.IsActive() {
			continue
		}
		for i, at := range Occurrences(sc.PublishAt, *sc.Recurrence, end, s.cfg.RecurrencePreview) {
			if at.Before(start) {
				continue
			}
			d := day(at)
			d.Projected = append(d.Projected, ProjectedOccurrence{
				ParentScheduleID: sc.ID,
				ContentID:        sc.ContentID,
				Title:            sc.Title,
				PublishAt:        at,
				RecurrenceIndex:  sc.Metadata.RecurrenceIndex + i + 1,
			})
		}
	}

	view.Days = make([]CalendarDay, 0, len(days))
	for _, d := range days {
		sort.Slice(d.Projected, func(i, j int) bool {
			return d.Projected[i].PublishAt.Before(d.Projected[j].PublishAt)
		})
		view.Days = append(view.Days, *d)
	}
	sort.Slice(view.Days, func(i, j int) bool {
		return view.Days[i].Date < view.Days[j].Date
	})
	return view
}

// GetTeamWorkload counts, per assignee, the schedules publishing in
// [start, end]. Cancelled schedules are not counted. Overdue covers
// schedules marked overdue and active ones whose publish time has passed.
func (s *ContentScheduler) GetTeamWorkload(start, end time.Time) map[string]Workload {
	now := s.now()
	workload := make(map[string]Workload)

	for _, sc := range s.store.QueryRange(start, end, ScheduleFilters{}) {
		if sc.AssignedTo == "" || sc.Status == model.ScheduleStatusCancelled {
			continue
		}

		w := workload[sc.AssignedTo]
		w.Total++
		switch {
		case sc.Status == model.ScheduleStatusOverdue:
			w.Overdue++
		case sc.Status.IsActive() && !sc.PublishAt.After(now):
			w.Overdue++
		case sc.Status.IsActive():
			w.Upcoming++
		}
		workload[sc.AssignedTo] = w
	}
	return workload
}
