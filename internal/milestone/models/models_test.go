package models

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"escrow/internal/milestone/catalog"
)

func TestCanTransitionTo(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusInProgress}:   true,
		{StatusInProgress, StatusCompleted}: true,
		{StatusInProgress, StatusNeedsInfo}: true,
		{StatusInProgress, StatusDenied}:    true,
		{StatusNeedsInfo, StatusInProgress}: true,
	}
	all := []Status{StatusPending, StatusInProgress, StatusNeedsInfo, StatusCompleted, StatusDenied}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

// Random walks over every status never leave the defined graph, and terminal
// states never move again.
func TestRandomWalksStayOnGraph(t *testing.T) {
	all := []Status{StatusPending, StatusInProgress, StatusNeedsInfo, StatusCompleted, StatusDenied}
	rng := rand.New(rand.NewPCG(7, 11))
	for range 500 {
		current := StatusPending
		for range 20 {
			target := all[rng.IntN(len(all))]
			if !current.CanTransitionTo(target) {
				continue
			}
			assert.False(t, current.IsTerminal(), "terminal %s moved to %s", current, target)
			current = target
		}
		assert.True(t, current.IsValid())
	}
}

func TestLessOrdersByDueRankSeq(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	later := day.AddDate(0, 0, 1)
	a := &Instance{DueDate: &day, CategoryRank: 2, Seq: 1}
	b := &Instance{DueDate: &day, CategoryRank: 1, Seq: 9}
	c := &Instance{DueDate: &day, CategoryRank: 1, Seq: 3}
	d := &Instance{DueDate: &later, CategoryRank: 0, Seq: 0}

	assert.True(t, Less(c, b), "same rank falls back to creation order")
	assert.True(t, Less(b, a), "lower rank first")
	assert.True(t, Less(a, d), "earlier due date first")
}

func TestIsDue(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := &Instance{Status: StatusPending, Trigger: catalog.TriggerScheduled, DueDate: &due}
	assert.False(t, m.IsDue(due.Add(-time.Second)))
	assert.True(t, m.IsDue(due))

	m.Trigger = catalog.TriggerManual
	assert.False(t, m.IsDue(due))
}
