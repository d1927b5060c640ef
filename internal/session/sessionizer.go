package session

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/logging"
	"github.com/walrusec/browser-timeliner/internal/model"
)

// Sessionizer groups the visits of one profile into sessions.
//
// A visit joins the session of its referrer when the referrer was seen earlier
// in (timestamp, id) order and the gap between the referrer's timestamp and the
// visit's timestamp is at most the idle threshold. Every other visit, including
// one whose referrer is absent or outside the profile, starts a new session.
type Sessionizer struct {
	idle   time.Duration
	logger *slog.Logger
}

// Result is the output of one sessionization pass
type Result struct {
	Sessions       []model.Session
	VisitToSession map[int64]string
	Skipped        []int64
	Diagnostics    []diag.Diagnostic
}

// NewSessionizer creates a sessionizer with the given idle threshold
func NewSessionizer(idle time.Duration, logger *slog.Logger) *Sessionizer {
	return &Sessionizer{
		idle:   idle,
		logger: logging.OrDiscard(logger),
	}
}

// Build sessionizes visits. Visits with a zero timestamp or a duplicate id are
// skipped and reported as validation diagnostics.
func (s *Sessionizer) Build(profile string, visits []model.Visit) Result {
	collector := diag.NewCollector(diag.StageSession, s.logger)
	index := make(map[int64]model.Visit, len(visits))
	ordered := make([]model.Visit, 0, len(visits))
	var skipped []int64

	for _, v := range visits {
		subject := fmt.Sprintf("visit %d", v.ID)
		if v.Timestamp.IsZero() {
			collector.Add(subject, &diag.ValidationError{Record: subject, Field: "timestamp", Message: "missing or invalid timestamp"})
			skipped = append(skipped, v.ID)
			continue
		}
		if _, dup := index[v.ID]; dup {
			collector.Add(subject, &diag.ValidationError{Record: subject, Field: "id", Message: "duplicate visit id"})
			skipped = append(skipped, v.ID)
			continue
		}
		index[v.ID] = v
		ordered = append(ordered, v)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var sessions []model.Session
	assigned := make(map[int64]int, len(ordered))

	for _, v := range ordered {
		if idx, ok := s.attach(v, index, assigned); ok {
			sess := &sessions[idx]
			sess.VisitIDs = append(sess.VisitIDs, v.ID)
			sess.End = v.Timestamp
			assigned[v.ID] = idx
			continue
		}

		sessions = append(sessions, model.Session{
			ID:           sessionID(profile, v),
			Profile:      profile,
			VisitIDs:     []int64{v.ID},
			Start:        v.Timestamp,
			End:          v.Timestamp,
			EntryVisitID: v.ID,
		})
		assigned[v.ID] = len(sessions) - 1
	}

	visitToSession := make(map[int64]string, len(assigned))
	for visitID, idx := range assigned {
		visitToSession[visitID] = sessions[idx].ID
	}

	s.logger.Debug("Sessionization complete",
		"profile", profile,
		"visits", len(ordered),
		"skipped", len(skipped),
		"sessions", len(sessions))

	return Result{
		Sessions:       sessions,
		VisitToSession: visitToSession,
		Skipped:        skipped,
		Diagnostics:    collector.Items(),
	}
}

// attach returns the session index a visit joins through its referrer
func (s *Sessionizer) attach(v model.Visit, index map[int64]model.Visit, assigned map[int64]int) (int, bool) {
	if !v.HasReferrer() {
		return 0, false
	}
	refID := *v.ReferrerID
	ref, ok := index[refID]
	if !ok || refID == v.ID {
		s.logger.Debug("Orphan referrer starts new session", "visit_id", v.ID, "referrer_id", refID)
		return 0, false
	}
	idx, ok := assigned[refID]
	if !ok {
		// referrer sorts after the visit (clock skew or equal timestamp with a higher id)
		s.logger.Debug("Referrer not yet sessionized", "visit_id", v.ID, "referrer_id", refID)
		return 0, false
	}
	if v.Timestamp.Sub(ref.Timestamp) > s.idle {
		return 0, false
	}
	return idx, true
}

func sessionID(profile string, v model.Visit) string {
	return fmt.Sprintf("%s-%d-%d", profile, v.Timestamp.Unix(), v.ID)
}
