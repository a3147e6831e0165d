package pulse

import "time"

type Result string

const (
	ResultNotDue     Result = "not_due"
	ResultMatched    Result = "matched"
	ResultSuperseded Result = "superseded"
	ResultSkipped    Result = "skipped"
	ResultFailed     Result = "failed"
)

// ScheduleOutcome is what happened to one schedule in one tick.
type ScheduleOutcome struct {
	ScheduleID string
	TenantID   string
	Result     Result
	Reason     string
	Err        error

	Cohort     string
	QuestionID string
	// Eligible counts members without an invite this week.
	Eligible       int
	Sent           int
	AlreadyInvited int
	Duplicates     int
	Failed         int
	Invites        []string

	order int
}

// TickSummary aggregates the outcomes of one tick.
type TickSummary struct {
	At time.Time

	Evaluated  int
	Matched    int
	Superseded int
	Skipped    int
	Failed     int

	Sent           int
	AlreadyInvited int
	Duplicates     int
	InviteFailures int

	Outcomes []ScheduleOutcome
}

func (s *TickSummary) add(outs ...ScheduleOutcome) {
	for _, o := range outs {
		s.Evaluated++
		switch o.Result {
		case ResultMatched:
			s.Matched++
		case ResultSuperseded:
			s.Superseded++
		case ResultSkipped:
			s.Skipped++
		case ResultFailed:
			s.Failed++
		}
		s.Sent += o.Sent
		s.AlreadyInvited += o.AlreadyInvited
		s.Duplicates += o.Duplicates
		s.InviteFailures += o.Failed
		s.Outcomes = append(s.Outcomes, o)
	}
}
