// Package prompt builds the system directive sent ahead of every upstream call.
package prompt

import "fmt"

const systemTemplate = "You are a professional content writer. Generate content for %s with a %s tone about %s. Make the content engaging, informative, and optimized for the selected platform."

// Build returns the system prompt for a generation request. It is a pure
// function: identical inputs always produce an identical string.
func Build(topic, platform, tone string) string {
	return fmt.Sprintf(systemTemplate, platform, tone, topic)
}
