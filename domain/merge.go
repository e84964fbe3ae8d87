package domain

// Merge combines the local and remote task sets by id. A task present in
// both keeps its local version. Remote tasks whose id is unknown locally are
// appended after the local ones in remote order. Nothing is ever dropped.
func Merge(local, remote []Task) []Task {
	merged := make([]Task, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local)+len(remote))
	for _, t := range local {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		merged = append(merged, t)
	}
	for _, t := range remote {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		merged = append(merged, t)
	}
	return merged
}

// Index maps tasks by id. When ids repeat the first occurrence wins.
func Index(tasks []Task) map[string]Task {
	out := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, ok := out[t.ID]; !ok {
			out[t.ID] = t
		}
	}
	return out
}

// FindByContent returns the first task with the same title, date and
// completion status as want.
func FindByContent(tasks []Task, want Task) (Task, bool) {
	for _, t := range tasks {
		if t.SameContent(want) {
			return t, true
		}
	}
	return Task{}, false
}
