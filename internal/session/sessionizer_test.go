package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/model"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func visit(id int64, seconds int, referrer ...int64) model.Visit {
	v := model.Visit{
		ID:        id,
		URL:       "https://example.com/",
		Timestamp: baseTime.Add(time.Duration(seconds) * time.Second),
		Profile:   "default",
	}
	if len(referrer) > 0 {
		ref := referrer[0]
		v.ReferrerID = &ref
	}
	return v
}

func TestSessionizer_ReferrerWithinThreshold(t *testing.T) {
	s := NewSessionizer(1800*time.Second, nil)

	res := s.Build("default", []model.Visit{
		visit(1, 0),
		visit(2, 120, 1),
	})

	require.Len(t, res.Sessions, 1)
	assert.Equal(t, []int64{1, 2}, res.Sessions[0].VisitIDs)
	assert.Equal(t, int64(1), res.Sessions[0].EntryVisitID)
	assert.Equal(t, baseTime, res.Sessions[0].Start)
	assert.Equal(t, baseTime.Add(120*time.Second), res.Sessions[0].End)
	assert.Equal(t, res.VisitToSession[1], res.VisitToSession[2])
}

func TestSessionizer_ReferrerBeyondThreshold(t *testing.T) {
	s := NewSessionizer(1800*time.Second, nil)

	res := s.Build("default", []model.Visit{
		visit(1, 0),
		visit(2, 120, 1),
		visit(3, 3000, 2),
	})

	require.Len(t, res.Sessions, 2)
	assert.Equal(t, []int64{1, 2}, res.Sessions[0].VisitIDs)
	assert.Equal(t, []int64{3}, res.Sessions[1].VisitIDs)
	assert.NotEqual(t, res.VisitToSession[2], res.VisitToSession[3])
}

func TestSessionizer_OrphanRule(t *testing.T) {
	s := NewSessionizer(time.Hour, nil)

	res := s.Build("default", []model.Visit{
		visit(1, 0),
		visit(2, 10),      // no referrer
		visit(3, 20, 999), // referrer outside the profile
		visit(4, 30, 4),   // self reference
	})

	assert.Len(t, res.Sessions, 4)
	assert.Empty(t, res.Diagnostics)
}

func TestSessionizer_ReferrerAfterVisit(t *testing.T) {
	s := NewSessionizer(time.Hour, nil)

	res := s.Build("default", []model.Visit{
		visit(1, 100, 2),
		visit(2, 50),
		visit(3, 50),
		visit(4, 50, 5), // equal timestamp, referrer has higher id
		visit(5, 50),
	})

	assert.Equal(t, res.VisitToSession[2], res.VisitToSession[1])
	assert.NotEqual(t, res.VisitToSession[5], res.VisitToSession[4])
}

func TestSessionizer_SkipsInvalidRecords(t *testing.T) {
	s := NewSessionizer(time.Hour, nil)

	bad := visit(2, 0)
	bad.Timestamp = time.Time{}

	res := s.Build("default", []model.Visit{
		visit(1, 0),
		bad,
		visit(3, 10, 2), // referrer was skipped
		visit(1, 20),    // duplicate id
	})

	assert.ElementsMatch(t, []int64{2, 1}, res.Skipped)
	require.Len(t, res.Diagnostics, 2)
	for _, d := range res.Diagnostics {
		assert.Equal(t, diag.KindValidation, d.Kind)
		assert.Equal(t, diag.StageSession, d.Stage)
	}
	assert.Len(t, res.Sessions, 2)
	_, ok := res.VisitToSession[2]
	assert.False(t, ok)
}

func TestSessionizer_SessionIDFormat(t *testing.T) {
	s := NewSessionizer(time.Hour, nil)
	res := s.Build("chromium", []model.Visit{visit(7, 0)})

	require.Len(t, res.Sessions, 1)
	assert.Equal(t, "chromium-1704110400-7", res.Sessions[0].ID)
	assert.Equal(t, "chromium", res.Sessions[0].Profile)
}

// randomVisits produces a reproducible history where referrers point backwards
func randomVisits(seed int64, n int) []model.Visit {
	rng := rand.New(rand.NewSource(seed))
	visits := make([]model.Visit, 0, n)
	elapsed := 0
	for i := 1; i <= n; i++ {
		elapsed += 1 + rng.Intn(1200)
		v := visit(int64(i), elapsed)
		if i > 1 && rng.Intn(3) > 0 {
			ref := int64(1 + rng.Intn(i-1))
			v.ReferrerID = &ref
		}
		visits = append(visits, v)
	}
	rng.Shuffle(len(visits), func(i, j int) { visits[i], visits[j] = visits[j], visits[i] })
	return visits
}

func TestSessionizer_PartitionProperty(t *testing.T) {
	s := NewSessionizer(30*time.Minute, nil)

	for seed := int64(1); seed <= 20; seed++ {
		visits := randomVisits(seed, 200)
		res := s.Build("default", visits)

		seen := make(map[int64]int)
		for _, sess := range res.Sessions {
			for _, id := range sess.VisitIDs {
				seen[id]++
				assert.Equal(t, sess.ID, res.VisitToSession[id])
			}
		}
		require.Len(t, seen, len(visits), "seed %d", seed)
		for id, n := range seen {
			assert.Equal(t, 1, n, "visit %d appears in %d sessions (seed %d)", id, n, seed)
		}
	}
}

func TestSessionizer_IdleGapProperty(t *testing.T) {
	idle := 30 * time.Minute
	s := NewSessionizer(idle, nil)

	for seed := int64(1); seed <= 20; seed++ {
		visits := randomVisits(seed, 200)
		res := s.Build("default", visits)

		byID := make(map[int64]model.Visit, len(visits))
		for _, v := range visits {
			byID[v.ID] = v
		}

		for _, sess := range res.Sessions {
			for i := 1; i < len(sess.VisitIDs); i++ {
				gap := byID[sess.VisitIDs[i]].Timestamp.Sub(byID[sess.VisitIDs[i-1]].Timestamp)
				assert.LessOrEqual(t, gap, idle)
				assert.GreaterOrEqual(t, gap, time.Duration(0))
			}
		}

		for _, v := range visits {
			if !v.HasReferrer() {
				continue
			}
			ref := byID[*v.ReferrerID]
			if res.VisitToSession[v.ID] != res.VisitToSession[ref.ID] {
				assert.Greater(t, v.Timestamp.Sub(ref.Timestamp), idle, "seed %d visit %d", seed, v.ID)
			}
		}
	}
}

func TestSessionizer_Deterministic(t *testing.T) {
	s := NewSessionizer(30*time.Minute, nil)

	first := s.Build("default", randomVisits(42, 150))
	second := s.Build("default", randomVisits(42, 150))

	assert.Equal(t, first.Sessions, second.Sessions)
	assert.Equal(t, first.VisitToSession, second.VisitToSession)
}
