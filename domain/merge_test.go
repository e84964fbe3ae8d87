package domain

import (
	"reflect"
	"testing"
	"time"
)

func sampleDate(day, hour int) time.Time {
	return time.Date(2024, 6, day, hour, 0, 0, 0, time.UTC)
}

func TestMergeLocalPrecedence(t *testing.T) {
	local := []Task{
		{ID: "1", Title: "local title", Date: sampleDate(1, 9), Completed: true},
		{ID: "2", Title: "only local", Date: sampleDate(2, 9)},
	}
	remote := []Task{
		{ID: "1", Title: "remote title", Date: sampleDate(3, 9), Synced: true},
		{ID: "5", Title: "only remote", Date: sampleDate(4, 9), Synced: true},
	}

	merged := Merge(local, remote)
	if len(merged) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(merged))
	}
	byID := Index(merged)
	if !reflect.DeepEqual(byID["1"], local[0]) {
		t.Fatalf("local copy must win on collision, got %#v", byID["1"])
	}
	if !reflect.DeepEqual(byID["5"], remote[1]) {
		t.Fatalf("remote-only task missing or changed: %#v", byID["5"])
	}
	wantOrder := []string{"1", "2", "5"}
	for i, id := range wantOrder {
		if merged[i].ID != id {
			t.Fatalf("position %d: got %s want %s", i, merged[i].ID, id)
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	local := []Task{{ID: "a", Title: "a"}, {ID: "b", Title: "b"}}
	remote := []Task{{ID: "b", Title: "B"}, {ID: "c", Title: "c"}}

	once := Merge(local, remote)
	twice := Merge(local, remote)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("merge not deterministic: %#v vs %#v", once, twice)
	}
	again := Merge(once, remote)
	if !reflect.DeepEqual(once, again) {
		t.Fatalf("merging the result again changed it: %#v vs %#v", once, again)
	}
}

func TestMergeNoLoss(t *testing.T) {
	tests := []struct {
		name   string
		local  []Task
		remote []Task
	}{
		{name: "empty"},
		{name: "localOnly", local: []Task{{ID: "a"}, {ID: "b"}}},
		{name: "remoteOnly", remote: []Task{{ID: "x"}, {ID: "y"}}},
		{name: "overlap", local: []Task{{ID: "a"}, {ID: "b"}}, remote: []Task{{ID: "b"}, {ID: "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := Index(Merge(tt.local, tt.remote))
			for _, task := range append(append([]Task(nil), tt.local...), tt.remote...) {
				if _, ok := merged[task.ID]; !ok {
					t.Fatalf("task %s lost in merge", task.ID)
				}
			}
		})
	}
}

func TestFindByContent(t *testing.T) {
	tasks := []Task{
		{ID: "1", Title: "gym", Date: sampleDate(1, 7)},
		{ID: "2", Title: "gym", Date: sampleDate(1, 7), Completed: true},
	}
	got, ok := FindByContent(tasks, Task{Title: "gym", Date: sampleDate(1, 7), Completed: true})
	if !ok || got.ID != "2" {
		t.Fatalf("unexpected match: %#v %v", got, ok)
	}
	if _, ok := FindByContent(tasks, Task{Title: "swim", Date: sampleDate(1, 7)}); ok {
		t.Fatalf("expected no match")
	}
}
