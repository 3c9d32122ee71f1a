package engine

import (
	"time"

	"github.com/ekorhonen/weft/pkg/api"
)

// terminalStatus reports the terminal status recorded in history, or
// StatusRunning when the run is still open.
func terminalStatus(history []api.Event) api.Status {
	for _, ev := range history {
		switch ev.Payload.(type) {
		case api.WorkflowCompletedPayload:
			return api.StatusCompleted
		case api.WorkflowFailedPayload:
			return api.StatusFailed
		case api.WorkflowTerminatedPayload:
			return api.StatusTerminated
		case api.WorkflowTimedOutPayload:
			return api.StatusTimedOut
		}
	}
	return api.StatusRunning
}

func cancelRequested(history []api.Event) bool {
	for _, ev := range history {
		if _, ok := ev.Payload.(api.CancelRequestedPayload); ok {
			return true
		}
	}
	return false
}

func timerPending(history []api.Event, timerID string) bool {
	started := false
	for _, ev := range history {
		switch p := ev.Payload.(type) {
		case api.TimerStartedPayload:
			if p.TimerID == timerID {
				started = true
			}
		case api.TimerFiredPayload:
			if p.TimerID == timerID {
				return false
			}
		}
	}
	return started
}

// pendingWork lists the latest scheduled attempt of every activity without a
// recorded outcome and every started-but-unfired timer, in history order.
func pendingWork(history []api.Event) ([]api.ActivityScheduledPayload, []api.TimerStartedPayload) {
	activityIdx := make(map[string]int)
	var activities []api.ActivityScheduledPayload
	resolved := make(map[string]bool)

	timerIdx := make(map[string]int)
	var timers []api.TimerStartedPayload
	fired := make(map[string]bool)

	for _, ev := range history {
		switch p := ev.Payload.(type) {
		case api.ActivityScheduledPayload:
			if i, ok := activityIdx[p.ActivityID]; ok {
				activities[i] = p
			} else {
				activityIdx[p.ActivityID] = len(activities)
				activities = append(activities, p)
			}
		case api.ActivityCompletedPayload:
			resolved[p.ActivityID] = true
		case api.ActivityFailedPayload:
			resolved[p.ActivityID] = true
		case api.TimerStartedPayload:
			if i, ok := timerIdx[p.TimerID]; ok {
				timers[i] = p
			} else {
				timerIdx[p.TimerID] = len(timers)
				timers = append(timers, p)
			}
		case api.TimerFiredPayload:
			fired[p.TimerID] = true
		}
	}

	var pendingActivities []api.ActivityScheduledPayload
	for _, sp := range activities {
		if !resolved[sp.ActivityID] {
			pendingActivities = append(pendingActivities, sp)
		}
	}
	var pendingTimers []api.TimerStartedPayload
	for _, tp := range timers {
		if !fired[tp.TimerID] {
			pendingTimers = append(pendingTimers, tp)
		}
	}
	return pendingActivities, pendingTimers
}

// invocation summarizes what history says about one activity id: the latest
// schedule, when the first attempt was scheduled, and whether an outcome has
// been recorded.
type invocation struct {
	scheduled        *api.ActivityScheduledPayload
	firstScheduledAt time.Time
	latestAttempt    int
	resolved         bool
	runTerminal      bool
}

func invocationState(history []api.Event, activityID string) invocation {
	var inv invocation
	inv.runTerminal = terminalStatus(history).Terminal()
	for _, ev := range history {
		switch p := ev.Payload.(type) {
		case api.ActivityScheduledPayload:
			if p.ActivityID != activityID {
				continue
			}
			if inv.scheduled == nil {
				inv.firstScheduledAt = ev.At
			}
			sp := p
			inv.scheduled = &sp
			inv.latestAttempt = p.Attempt
		case api.ActivityCompletedPayload:
			if p.ActivityID == activityID {
				inv.resolved = true
			}
		case api.ActivityFailedPayload:
			if p.ActivityID == activityID {
				inv.resolved = true
			}
		}
	}
	return inv
}

// skip reports whether a delivery for the given attempt is stale: the run is
// terminal, the activity already has an outcome, the schedule was never
// recorded, or a newer attempt superseded this one.
func (inv invocation) skip(attempt int) bool {
	if inv.runTerminal || inv.resolved || inv.scheduled == nil {
		return true
	}
	return attempt < inv.latestAttempt
}
