package subscription

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vinayprograms/docrpc/store"
)

func TestDiff(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := func(id, ts string) store.Record {
		return store.Record{ID: id, Fields: map[string]interface{}{"updated_at": ts}}
	}

	tests := []struct {
		name string
		prev []store.Record
		next []store.Record
		want []Change
	}{
		{
			name: "created and deleted, unchanged id silent",
			prev: []store.Record{doc("1", "t0"), doc("2", "t0")},
			next: []store.Record{doc("1", "t0"), doc("3", "t1")},
			want: []Change{
				{Type: ChangeDeleted, ResourceType: "documents", ResourceID: "2", Version: 4, Timestamp: at,
					OldData: map[string]interface{}{"updated_at": "t0"}},
				{Type: ChangeCreated, ResourceType: "documents", ResourceID: "3", Version: 4, Timestamp: at,
					NewData: map[string]interface{}{"updated_at": "t1"}},
			},
		},
		{
			name: "timestamp differs yields updated",
			prev: []store.Record{doc("1", "t0")},
			next: []store.Record{doc("1", "t5")},
			want: []Change{
				{Type: ChangeUpdated, ResourceType: "documents", ResourceID: "1", Version: 4, Timestamp: at,
					OldData: map[string]interface{}{"updated_at": "t0"},
					NewData: map[string]interface{}{"updated_at": "t5"}},
			},
		},
		{
			name: "empty to populated",
			prev: nil,
			next: []store.Record{doc("a", "t0"), doc("b", "t0")},
			want: []Change{
				{Type: ChangeCreated, ResourceType: "documents", ResourceID: "a", Version: 4, Timestamp: at,
					NewData: map[string]interface{}{"updated_at": "t0"}},
				{Type: ChangeCreated, ResourceType: "documents", ResourceID: "b", Version: 4, Timestamp: at,
					NewData: map[string]interface{}{"updated_at": "t0"}},
			},
		},
		{
			name: "identical snapshots",
			prev: []store.Record{doc("1", "t0")},
			next: []store.Record{doc("1", "t0")},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff("documents", tt.prev, tt.next, 4, at)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
