package swarm

import (
	"fmt"
	"strings"
)

// Labels of the build stages. The first group runs one unit at a time, the
// second runs all at once after content.
var (
	sequentialLabels = []string{"architecture", "frontend", "backend", "seo", "content"}
	parallelLabels   = []string{"automation", "security", "data", "monetization", "quality"}
)

func buildStages() []Stage {
	return []Stage{
		{Label: "architecture", Task: func(a AppSpec) string {
			return fmt.Sprintf("Design architecture for: %s. Features: %s", a.Description, strings.Join(a.Features, ", "))
		}},
		{Label: "frontend", Task: func(a AppSpec) string {
			return "Design Next.js 15 frontend for: " + a.Description
		}},
		{Label: "backend", Task: func(a AppSpec) string {
			return "Design FastAPI backend for: " + a.Description
		}},
		{Label: "seo", Task: func(a AppSpec) string {
			return "Create SEO strategy for: " + a.Name
		}},
		{Label: "content", Task: func(a AppSpec) string {
			return "Generate content strategy for: " + a.Name
		}},
		{Label: "automation", Task: func(a AppSpec) string {
			return "Create CI/CD pipeline for: " + a.Name
		}},
		{Label: "security", Task: func(a AppSpec) string {
			return "Design security measures for: " + a.Name
		}},
		{Label: "data", Task: func(a AppSpec) string {
			return "Design data analytics strategy for: " + a.Name
		}},
		{Label: "monetization", Task: func(a AppSpec) string {
			return "Create monetization strategy for: " + a.Name
		}},
		{Label: "quality", Task: func(a AppSpec) string {
			return "Design testing strategy for: " + a.Name
		}},
	}
}

func buildEdges() []Edge {
	edges := Chain(sequentialLabels...)
	return append(edges, FanOut(sequentialLabels[len(sequentialLabels)-1], parallelLabels...)...)
}
