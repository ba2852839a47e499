package subscription

import (
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vinayprograms/docrpc/store"
)

// Diff compares two snapshots of the same table, each ordered by id, and
// returns one Change per difference in id order: created for ids only in
// next, deleted for ids only in prev, updated for ids in both whose fields
// differ. Every change is stamped with version and at.
func Diff(resourceType string, prev, next []store.Record, version uint64, at time.Time) []Change {
	var changes []Change
	emit := func(t ChangeType, id string, oldData, newData map[string]interface{}) {
		changes = append(changes, Change{
			Type:         t,
			ResourceType: resourceType,
			ResourceID:   id,
			Version:      version,
			Timestamp:    at,
			OldData:      oldData,
			NewData:      newData,
		})
	}

	i, j := 0, 0
	for i < len(prev) || j < len(next) {
		switch {
		case j >= len(next) || (i < len(prev) && prev[i].ID < next[j].ID):
			emit(ChangeDeleted, prev[i].ID, prev[i].Fields, nil)
			i++
		case i >= len(prev) || next[j].ID < prev[i].ID:
			emit(ChangeCreated, next[j].ID, nil, next[j].Fields)
			j++
		default:
			if !cmp.Equal(prev[i].Fields, next[j].Fields) {
				emit(ChangeUpdated, next[j].ID, prev[i].Fields, next[j].Fields)
			}
			i++
			j++
		}
	}
	return changes
}
