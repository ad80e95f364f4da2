package registry

import "strings"

// Slugify lowercases a node name and reduces it to [a-z0-9-]: runs of
// any other characters collapse to a single dash, with no leading or
// trailing dash. Returns "" when nothing survives.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			if b.Len() > 0 {
				pendingDash = true
			}
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
