package router

import (
	"sort"
	"strings"
)

func (m *Manager) helpText() string {
	m.mu.RLock()
	cmds := append([]Command(nil), m.cmds...)
	m.mu.RUnlock()
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	lines := []string{"📚 Commands", ""}
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		line := "• /" + c.Name
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + d
		}
		lines = append(lines, line)
		if u := strings.TrimSpace(c.Usage); u != "" && u != "/"+c.Name {
			lines = append(lines, "  "+u)
		}
	}
	return strings.Join(lines, "\n")
}
