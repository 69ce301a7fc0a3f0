package cluster

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// findNewNode returns the single element present in updated but not in
// current, or "" if there isn't exactly one.
func findNewNode(current, updated []string) string {
	old := make(map[string]bool, len(current))
	for _, n := range current {
		old[n] = true
	}
	found := ""
	count := 0
	for _, n := range updated {
		if !old[n] {
			found = n
			count++
		}
	}
	if count != 1 {
		return ""
	}
	return found
}
