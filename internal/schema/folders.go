package schema

import "sort"

// Folders returns the distinct folder names used by tasks, sorted.
func Folders(tasks []*Task) []string {
	seen := make(map[string]struct{}, len(tasks))
	folders := make([]string, 0)
	for _, t := range tasks {
		if _, ok := seen[t.Folder]; ok {
			continue
		}
		seen[t.Folder] = struct{}{}
		folders = append(folders, t.Folder)
	}
	sort.Strings(folders)
	return folders
}

// FilterFolder returns the tasks filed under folder, preserving order.
func FilterFolder(tasks []*Task, folder string) []*Task {
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Folder == folder {
			out = append(out, t)
		}
	}
	return out
}

// SortTasks orders tasks by folder, then most recently updated first, then id.
func SortTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Folder != b.Folder {
			return a.Folder < b.Folder
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		return a.ID < b.ID
	})
}
