package rag

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/quester/session"
)

const planningSystem = `You are a smart assistant that plans search queries for a document Q&A system.
Analyze the user's question and decide on the best search strategy:
- If the question is complex or has multiple parts, break it into multiple specific queries
- If the question is simple, rephrase it into one concise, focused query
- Correct any typos in the question
- Consider the context from previous conversation if provided
- Each query should be specific and searchable, focused on key concepts and entities
- For comparison questions, break into separate queries for each item being compared`

const synthesisSystem = `You are a knowledgeable assistant answering questions about an indexed document corpus.
Answer the user's question using ONLY the information provided in the context documents.
- Merge and integrate information from multiple documents when available
- If the context does not contain sufficient information, clearly state this limitation
- Maintain accuracy and avoid speculation beyond the provided context
- Cite every claim with the bracketed number of the supporting document, for example [2]
- Citations must reference documents from the context below, nothing else`

// answer used for turns where retrieval produced nothing; no completion call
// is made in that case.
const noSupportAnswer = "No supporting documents were found in the knowledge base for this question. Try rephrasing it or ingesting the relevant documents first."

// buildPlanningPrompt renders the planning call. The model must return a
// JSON object so parsing stays strict.
func buildPlanningPrompt(question, history string, maxQueries int) Prompt {
	if history == "" {
		history = "(none)"
	}
	user := fmt.Sprintf(`Previous conversation:
%s

User question: %q

Return a JSON object of the form {"queries": ["...", "..."]} with 1 to %d search queries, ordered most important first. Return only the JSON object.`, history, question, maxQueries)
	return Prompt{System: planningSystem, User: user}
}

// buildSynthesisPrompt renders the answer call over the formatted documents.
func buildSynthesisPrompt(question, history, documents string) Prompt {
	if history == "" {
		history = "(none)"
	}
	user := fmt.Sprintf(`Previous conversation:
%s

Question: %s

Context documents:
%s

Answer:`, history, question, documents)
	return Prompt{System: synthesisSystem, User: user}
}

// formatDocuments renders ranked hits into the numbered context block. The
// budget bounds total content characters: documents are included best first,
// the one that crosses the budget is truncated and everything after it is
// dropped, so the lowest-ranked content is sacrificed first. The returned
// count is how many documents made it into the block; citation markers
// beyond it are meaningless.
func formatDocuments(ranked []RankedHit, budget int) (string, int) {
	var b strings.Builder
	remaining := budget
	included := 0
	for i, r := range ranked {
		if remaining <= 0 {
			break
		}
		content := r.Hit.Content
		if runes := []rune(content); len(runes) > remaining {
			content = string(runes[:remaining])
		}
		remaining -= len([]rune(content))

		fmt.Fprintf(&b, "Document [%d]\n", i+1)
		if r.Hit.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", r.Hit.Title)
		}
		if r.Hit.Source != "" {
			fmt.Fprintf(&b, "Source: %s\n", r.Hit.Source)
		}
		fmt.Fprintf(&b, "Content: %s\n", content)
		if len(r.Hit.Highlights) > 0 {
			n := len(r.Hit.Highlights)
			if n > 3 {
				n = 3
			}
			fmt.Fprintf(&b, "Key highlights: %s\n", strings.Join(r.Hit.Highlights[:n], " | "))
		}
		b.WriteString("\n")
		included++
	}
	return strings.TrimRight(b.String(), "\n"), included
}

// formatHistory renders the most recent turns for prompt context. Answers
// are clipped to answerLimit runes so one verbose turn cannot crowd out the
// question.
func formatHistory(turns []session.Turn, maxTurns, answerLimit int) string {
	if len(turns) == 0 {
		return ""
	}
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	var b strings.Builder
	for _, t := range turns {
		answer := t.Answer
		if runes := []rune(answer); answerLimit > 0 && len(runes) > answerLimit {
			answer = string(runes[:answerLimit]) + "..."
		}
		fmt.Fprintf(&b, "User: %s\n", t.Question)
		fmt.Fprintf(&b, "Assistant: %s\n", answer)
	}
	return strings.TrimRight(b.String(), "\n")
}
