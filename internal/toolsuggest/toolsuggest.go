// Package toolsuggest implements the suggest_tools_for_tasks built-in: a
// heuristic mapping from task descriptions to tool recommendations, by
// keyword co-occurrence and a handful of regexp patterns.
package toolsuggest

import (
	"regexp"
	"sort"
	"strings"
)

// Suggestion is one recommended tool with a rationale and confidence.
type Suggestion struct {
	ServerName string
	ToolName   string
	Reason     string
	Confidence float64
}

// Analysis is the result of analyzing one task's description and details.
type Analysis struct {
	TaskID         string
	Suggestions    []Suggestion
	ExistingTags   []string
	OverallConfidence float64
}

type toolKey struct {
	server string
	tool   string
}

type patternRule struct {
	pattern *regexp.Regexp
	targets []toolKey
}

// Suggester holds the keyword and pattern tables; construction compiles
// every regexp once so analysis calls stay allocation-light.
type Suggester struct {
	keywords map[toolKey][]string
	patterns []patternRule
	tagRe    *regexp.Regexp
}

func New() *Suggester {
	s := &Suggester{
		keywords: defaultKeywords(),
		patterns: defaultPatterns(),
		tagRe:    regexp.MustCompile(`#tool:(\w+)`),
	}
	return s
}

func defaultKeywords() map[toolKey][]string {
	return map[toolKey][]string{
		{"filesystem", "read_file"}:     {"read file", "load file", "open file", "file contents", "read from"},
		{"filesystem", "write_file"}:    {"write file", "save file", "create file", "write to", "save to", "generate file"},
		{"filesystem", "list_directory"}: {"list files", "directory contents", "folder structure", "ls", "dir"},
		{"git", "git_status"}:           {"git status", "check changes", "uncommitted", "modified files"},
		{"git", "git_commit"}:           {"commit", "git commit", "save changes", "checkpoint"},
		{"memory", "create_entities"}:   {"remember", "store information", "save to memory", "create entity", "knowledge graph"},
		{"memory", "read_graph"}:        {"recall", "retrieve memory", "what do you know", "read memory", "get information"},
		{"github", "create_issue"}:      {"create issue", "github issue", "bug report", "feature request", "track issue"},
		{"github", "create_pull_request"}: {"pull request", "pr", "merge request", "code review"},
		{"task-master-ai", "get_tasks"}: {"list tasks", "show tasks", "task status", "project status"},
		{"task-master-ai", "add_task"}:  {"add task", "create task", "new task", "task for"},
		{"docker", "list_containers"}:   {"docker ps", "list containers", "running containers", "docker status"},
		{"docker", "build_image"}:       {"docker build", "build image", "create image", "dockerfile"},
		{"puppeteer", "screenshot"}:     {"screenshot", "capture page", "web screenshot", "browser capture"},
		{"puppeteer", "navigate"}:       {"navigate to", "open url", "browse to", "visit page", "web scraping"},
	}
}

func defaultPatterns() []patternRule {
	return []patternRule{
		{regexp.MustCompile(`(?i)(api|http|rest|endpoint|webhook|request|response)`), []toolKey{{"fetch", "fetch"}}},
		{regexp.MustCompile(`(?i)(database|postgres|mysql|sql|query|table|schema)`), []toolKey{{"postgres", "query"}}},
		{regexp.MustCompile(`(?i)(redis|cache|key-value|session)`), []toolKey{{"redis", "get"}, {"redis", "set"}}},
		{regexp.MustCompile(`(?i)(test|testing|unit test|integration test|e2e)`), []toolKey{{"task-master-ai", "add_task"}}},
	}
}

// AnalyzeTask scores description+details against the keyword and pattern
// tables and returns every tool that matched at least one keyword or
// pattern, sorted by descending confidence.
func (s *Suggester) AnalyzeTask(description string, details string) Analysis {
	fullText := strings.ToLower(description + " " + details)

	tagMatches := s.tagRe.FindAllStringSubmatch(fullText, -1)
	tags := make([]string, 0, len(tagMatches))
	for _, m := range tagMatches {
		tags = append(tags, m[1])
	}

	seen := make(map[toolKey]bool)
	var suggestions []Suggestion

	for key, keywords := range s.keywords {
		if seen[key] {
			continue
		}
		var matched []string
		for _, kw := range keywords {
			if strings.Contains(fullText, kw) {
				matched = append(matched, kw)
			}
		}
		if len(matched) == 0 {
			continue
		}
		confidence := float64(len(matched)) / float64(len(keywords))
		if confidence > 1.0 {
			confidence = 1.0
		}
		suggestions = append(suggestions, Suggestion{
			ServerName: key.server,
			ToolName:   key.tool,
			Reason:     "matched keywords: " + strings.Join(matched, ", "),
			Confidence: confidence,
		})
		seen[key] = true
	}

	for _, rule := range s.patterns {
		if !rule.pattern.MatchString(fullText) {
			continue
		}
		for _, key := range rule.targets {
			if seen[key] {
				continue
			}
			suggestions = append(suggestions, Suggestion{
				ServerName: key.server,
				ToolName:   key.tool,
				Reason:     "matched pattern: " + rule.pattern.String(),
				Confidence: 0.7,
			})
			seen[key] = true
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})

	overall := 0.0
	if len(suggestions) > 0 {
		var sum float64
		for _, sg := range suggestions {
			sum += sg.Confidence
		}
		overall = sum / float64(len(suggestions))
	}

	return Analysis{
		Suggestions:       suggestions,
		ExistingTags:      tags,
		OverallConfidence: overall,
	}
}

