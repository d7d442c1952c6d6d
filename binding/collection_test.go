package binding

import (
	"testing"
	"time"

	"github.com/alwitt/livesync/events"
	"github.com/stretchr/testify/assert"
)

type testClaim struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func defineTestCollection(t *testing.T, sorted bool) Collection[testClaim] {
	assert := assert.New(t)
	cfg := CollectionConfig[testClaim]{
		ExtractID: func(item testClaim) string { return item.ID },
	}
	if sorted {
		cfg.Less = func(a, b testClaim) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	}
	uut, err := GetCollectionInstance("testing", cfg)
	assert.Nil(err)
	return uut
}

func TestCollectionReconciliation(t *testing.T) {
	assert := assert.New(t)

	uut := defineTestCollection(t, false)

	// Case 0: insert adds the row
	{
		assert.Nil(uut.Apply(events.RealtimeEvent{
			Type: events.ChangeInsert,
			New:  events.Row{"id": "claim-01", "status": "draft"},
		}))
		assert.Equal(1, uut.Len())
		item, found := uut.Get("claim-01")
		assert.True(found)
		assert.Equal("draft", item.Status)
	}

	// Case 1: duplicate insert is idempotent
	{
		assert.Nil(uut.Apply(events.RealtimeEvent{
			Type: events.ChangeInsert,
			New:  events.Row{"id": "claim-01", "status": "draft"},
		}))
		assert.Equal(1, uut.Len())
	}

	// Case 2: update replaces the row
	{
		assert.Nil(uut.Apply(events.RealtimeEvent{
			Type: events.ChangeUpdate,
			New:  events.Row{"id": "claim-01", "status": "submitted"},
			Old:  events.Row{"status": "draft"},
		}))
		assert.Equal(1, uut.Len())
		item, found := uut.Get("claim-01")
		assert.True(found)
		assert.Equal("submitted", item.Status)
	}

	// Case 3: update of an unknown row self-heals into an insert
	{
		assert.Nil(uut.Apply(events.RealtimeEvent{
			Type: events.ChangeUpdate,
			New:  events.Row{"id": "claim-02", "status": "approved"},
		}))
		assert.Equal(2, uut.Len())
		item, found := uut.Get("claim-02")
		assert.True(found)
		assert.Equal("approved", item.Status)
	}

	// Case 4: delete removes the row
	{
		assert.Nil(uut.Apply(events.RealtimeEvent{
			Type: events.ChangeDelete,
			Old:  events.Row{"id": "claim-01"},
		}))
		assert.Equal(1, uut.Len())
		_, found := uut.Get("claim-01")
		assert.False(found)
	}

	// Case 5: delete of an unknown row is a no-op
	{
		assert.Nil(uut.Apply(events.RealtimeEvent{
			Type: events.ChangeDelete,
			Old:  events.Row{"id": "claim-09"},
		}))
		assert.Equal(1, uut.Len())
	}

	// Case 6: undecodable row surfaces an error
	{
		assert.NotNil(uut.Apply(events.RealtimeEvent{
			Type: events.ChangeInsert,
			New:  events.Row{"id": "claim-03", "status": 42},
		}))
		assert.Equal(1, uut.Len())
	}
}

func TestCollectionOrdering(t *testing.T) {
	assert := assert.New(t)

	uut := defineTestCollection(t, true)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	uut.Add(testClaim{ID: "claim-02", Status: "draft", UpdatedAt: base.Add(time.Hour)})
	uut.Add(testClaim{ID: "claim-01", Status: "draft", UpdatedAt: base})
	uut.Add(testClaim{ID: "claim-03", Status: "draft", UpdatedAt: base.Add(2 * time.Hour)})

	// Case 0: items come back ordered by the sort key
	{
		items := uut.Items()
		assert.Len(items, 3)
		assert.Equal("claim-01", items[0].ID)
		assert.Equal("claim-02", items[1].ID)
		assert.Equal("claim-03", items[2].ID)
	}

	// Case 1: updating the sort key re-orders
	{
		uut.Add(testClaim{ID: "claim-01", Status: "submitted", UpdatedAt: base.Add(3 * time.Hour)})
		items := uut.Items()
		assert.Equal("claim-02", items[0].ID)
		assert.Equal("claim-01", items[2].ID)
	}

	// Case 2: removal keeps the order of the remainder
	{
		uut.Remove("claim-03")
		items := uut.Items()
		assert.Len(items, 2)
		assert.Equal("claim-02", items[0].ID)
		assert.Equal("claim-01", items[1].ID)
	}

	// Case 3: reset replaces the content and re-sorts
	{
		uut.Reset([]testClaim{
			{ID: "claim-09", UpdatedAt: base.Add(time.Minute)},
			{ID: "claim-08", UpdatedAt: base},
		})
		items := uut.Items()
		assert.Len(items, 2)
		assert.Equal("claim-08", items[0].ID)
	}
}

func TestCollectionDescendingOrder(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetCollectionInstance("testing", CollectionConfig[testClaim]{
		ExtractID:  func(item testClaim) string { return item.ID },
		Less:       func(a, b testClaim) bool { return a.UpdatedAt.Before(b.UpdatedAt) },
		Descending: true,
	})
	assert.Nil(err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	uut.Add(testClaim{ID: "claim-01", UpdatedAt: base})
	uut.Add(testClaim{ID: "claim-02", UpdatedAt: base.Add(time.Hour)})

	items := uut.Items()
	assert.Equal("claim-02", items[0].ID)
	assert.Equal("claim-01", items[1].ID)
}

func TestCollectionMutationHook(t *testing.T) {
	assert := assert.New(t)

	var observed [][]testClaim
	uut, err := GetCollectionInstance("testing", CollectionConfig[testClaim]{
		ExtractID: func(item testClaim) string { return item.ID },
		OnMutate:  func(items []testClaim) { observed = append(observed, items) },
	})
	assert.Nil(err)

	uut.Add(testClaim{ID: "claim-01"})
	uut.Add(testClaim{ID: "claim-02"})
	uut.Remove("claim-01")
	// Removing an absent row does not fire the hook
	uut.Remove("claim-01")

	assert.Len(observed, 3)
	assert.Len(observed[1], 2)
	assert.Len(observed[2], 1)
}

func TestCollectionConfigValidation(t *testing.T) {
	assert := assert.New(t)

	_, err := GetCollectionInstance("testing", CollectionConfig[testClaim]{})
	assert.NotNil(err)
}
