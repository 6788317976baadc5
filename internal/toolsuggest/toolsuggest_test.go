package toolsuggest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func hasSuggestion(suggestions []Suggestion, server, tool string) bool {
	for _, s := range suggestions {
		if s.ServerName == server && s.ToolName == tool {
			return true
		}
	}
	return false
}

func TestAnalyzeTaskFilesystemKeywords(t *testing.T) {
	s := New()
	analysis := s.AnalyzeTask("Read file config.json", "Need to read file and parse its contents")
	require.NotEmpty(t, analysis.Suggestions)
	require.True(t, hasSuggestion(analysis.Suggestions, "filesystem", "read_file"))
}

func TestAnalyzeTaskGitCommit(t *testing.T) {
	s := New()
	analysis := s.AnalyzeTask("Commit the changes", "Save all modified files to git with a descriptive message")
	require.True(t, hasSuggestion(analysis.Suggestions, "git", "git_commit"))
}

func TestAnalyzeTaskPatternAndKeywordCombine(t *testing.T) {
	s := New()
	analysis := s.AnalyzeTask("Create API endpoint documentation", "Write documentation for the REST API endpoints and save to docs/api.md")
	require.GreaterOrEqual(t, len(analysis.Suggestions), 2)
}

func TestAnalyzeTaskSortedByConfidenceDescending(t *testing.T) {
	s := New()
	analysis := s.AnalyzeTask("commit commit commit git commit checkpoint", "api http rest")
	require.NotEmpty(t, analysis.Suggestions)
	for i := 1; i < len(analysis.Suggestions); i++ {
		require.GreaterOrEqual(t, analysis.Suggestions[i-1].Confidence, analysis.Suggestions[i].Confidence)
	}
}

func TestAnalyzeTasksMergesSubtaskSuggestionsDeduplicated(t *testing.T) {
	s := New()
	tasks := []Task{
		{
			ID:          "1",
			Title:       "Parent task",
			Description: "read file data.json",
			Subtasks: []Subtask{
				{Title: "child", Description: "read file again, same keyword"},
				{Title: "child2", Description: "commit changes"},
			},
		},
	}
	analyses := s.AnalyzeTasks(tasks)
	require.Len(t, analyses, 1)
	require.True(t, hasSuggestion(analyses[0].Suggestions, "filesystem", "read_file"))
	require.True(t, hasSuggestion(analyses[0].Suggestions, "git", "git_commit"))

	count := 0
	for _, sg := range analyses[0].Suggestions {
		if sg.ServerName == "filesystem" && sg.ToolName == "read_file" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestAnalyzeTaskNoMatchesYieldsZeroConfidence(t *testing.T) {
	s := New()
	analysis := s.AnalyzeTask("completely unrelated text about nothing in particular", "")
	require.Empty(t, analysis.Suggestions)
	require.Equal(t, 0.0, analysis.OverallConfidence)
}

func TestAnalyzeTaskExtractsExistingTags(t *testing.T) {
	s := New()
	analysis := s.AnalyzeTask("Task already tagged #tool:fetch for follow-up", "")
	require.Contains(t, analysis.ExistingTags, "fetch")
}
