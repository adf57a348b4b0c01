package registry

import (
	"sort"
	"strings"

	"mcphub/internal/domain"
)

// SearchTools performs a case-insensitive substring match over the cached
// tool names and descriptions of every server. It never connects; an empty
// cache yields no hits.
func (r *Registry) SearchTools(query string) []domain.ToolHit {
	needle := strings.ToLower(strings.TrimSpace(query))

	r.mu.Lock()
	snapshots := make(map[string]*domain.CapabilitySnapshot, len(r.snapshots))
	for name, snap := range r.snapshots {
		snapshots[name] = snap
	}
	r.mu.Unlock()

	var hits []domain.ToolHit
	for server, snap := range snapshots {
		for _, tool := range snap.Tools {
			if needle != "" &&
				!strings.Contains(strings.ToLower(tool.Name), needle) &&
				!strings.Contains(strings.ToLower(tool.Description), needle) {
				continue
			}
			hits = append(hits, domain.ToolHit{Server: server, Tool: tool})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Server != hits[j].Server {
			return hits[i].Server < hits[j].Server
		}
		return hits[i].Tool.Name < hits[j].Tool.Name
	})
	return hits
}
