package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/replyflow-backend/internal/clients/pinecone"
	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/types"
	"github.com/replyflow/replyflow-backend/internal/utils"
)

const defaultSystemPrompt = `You are a customer support assistant answering on behalf of a business over WhatsApp.
Answer using only the provided knowledge base context. Be concise and friendly.
If the context does not cover the question, say you are not sure and suggest the customer can ask for a human agent.
Never invent policies, prices, or commitments.`

const fallbackReply = "I'm sorry, I'm having trouble answering right now. A member of our team will follow up with you shortly."

type RAGSource struct {
	ChunkID    string  `json:"chunk_id"`
	SourceID   string  `json:"source_id"`
	SourceType string  `json:"source_type"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

type RAGResult struct {
	Reply      string      `json:"reply"`
	Sources    []RAGSource `json:"sources"`
	Confidence float64     `json:"confidence"`
	TokensUsed int         `json:"tokens_used"`
	LatencyMS  int64       `json:"latency_ms"`
	Model      string      `json:"model"`
	Fallback   bool        `json:"fallback"`
}

// RAGService turns a new inbound message into a sourced reply with a
// confidence score. It never fails: any search or completion error resolves
// to the fixed low-confidence fallback so the pipeline survives provider
// outages.
type RAGService interface {
	Respond(ctx context.Context, ownerID uuid.UUID, conversationID uuid.UUID, newMessage string, history []*types.Message) *RAGResult
}

type ragService struct {
	log          *logger.Logger
	ai           AIClient
	index        pinecone.VectorIndex
	systemPrompt string
	threshold    float64
	maxSources   int
	maxPerSource int
	historyTurns int
	timeout      time.Duration
}

func NewRAGService(log *logger.Logger, ai AIClient, index pinecone.VectorIndex) RAGService {
	svcLog := log.With("service", "RAGService")
	systemPrompt := utils.GetEnv("RAG_SYSTEM_PROMPT", defaultSystemPrompt, nil)
	return &ragService{
		log:          svcLog,
		ai:           ai,
		index:        index,
		systemPrompt: systemPrompt,
		threshold:    utils.GetEnvAsFloat("RAG_SIMILARITY_THRESHOLD", 0.7, log),
		maxSources:   utils.GetEnvAsInt("RAG_MAX_SOURCES", 8, log),
		maxPerSource: 3,
		historyTurns: 10,
		timeout:      time.Duration(utils.GetEnvAsInt("RAG_TIMEOUT_SECONDS", 45, log)) * time.Second,
	}
}

func (s *ragService) Respond(ctx context.Context, ownerID uuid.UUID, conversationID uuid.UUID, newMessage string, history []*types.Message) *RAGResult {
	start := time.Now()
	log := s.log.With("owner_id", ownerID, "conversation_id", conversationID)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := buildRetrievalQuery(newMessage, history)

	embeddings, err := s.ai.Embed(ctx, []string{query})
	if err != nil || len(embeddings) == 0 {
		log.Warn("Query embedding failed, using fallback reply", "error", err)
		return fallbackResult(start)
	}

	matches, err := s.index.Search(ctx, ownerID.String(), embeddings[0], s.threshold, s.maxSources)
	if err != nil {
		log.Warn("Vector search failed, using fallback reply", "error", err)
		return fallbackResult(start)
	}
	sources := rankSources(matches, s.maxPerSource, s.maxSources)

	userPrompt := composePrompt(sources, history, s.historyTurns, newMessage)
	completion, err := s.ai.Complete(ctx, s.systemPrompt, userPrompt)
	if err != nil {
		log.Warn("Completion failed, using fallback reply", "error", err)
		return fallbackResult(start)
	}

	confidence := computeConfidence(newMessage, completion.Text, sources)
	log.Debug("Composed reply",
		"sources", len(sources),
		"confidence", confidence,
		"tokens", completion.TokensUsed,
	)
	return &RAGResult{
		Reply:      completion.Text,
		Sources:    sources,
		Confidence: confidence,
		TokensUsed: completion.TokensUsed,
		LatencyMS:  time.Since(start).Milliseconds(),
		Model:      completion.Model,
	}
}

func fallbackResult(start time.Time) *RAGResult {
	return &RAGResult{
		Reply:      fallbackReply,
		Sources:    []RAGSource{},
		Confidence: 0.1,
		LatencyMS:  time.Since(start).Milliseconds(),
		Fallback:   true,
	}
}

// buildRetrievalQuery widens short follow-up questions with the literal text
// of the last few customer turns plus their top keywords.
func buildRetrievalQuery(newMessage string, history []*types.Message) string {
	parts := []string{strings.TrimSpace(newMessage)}

	priorTurns := recentUserTurns(history, 4)
	parts = append(parts, priorTurns...)

	if keywords := topKeywords(priorTurns, 5); len(keywords) > 0 {
		parts = append(parts, strings.Join(keywords, " "))
	}

	nonEmpty := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

// recentUserTurns returns up to n most recent inbound contact turns,
// oldest first. History is assumed chronological.
func recentUserTurns(history []*types.Message, n int) []string {
	var turns []string
	for i := len(history) - 1; i >= 0 && len(turns) < n; i-- {
		m := history[i]
		if m.Direction == types.DirectionInbound && strings.TrimSpace(m.Content) != "" {
			turns = append(turns, m.Content)
		}
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// rankSources orders matches by similarity and keeps at most maxPerSource
// chunks per source so one document cannot dominate the context.
func rankSources(matches []pinecone.ChunkMatch, maxPerSource, maxTotal int) []RAGSource {
	sorted := make([]pinecone.ChunkMatch, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Similarity > sorted[j].Similarity
	})

	perSource := make(map[string]int)
	out := make([]RAGSource, 0, len(sorted))
	for _, m := range sorted {
		if len(out) >= maxTotal {
			break
		}
		if m.Text == "" {
			continue
		}
		if perSource[m.SourceID] >= maxPerSource {
			continue
		}
		perSource[m.SourceID]++
		out = append(out, RAGSource{
			ChunkID:    m.ChunkID,
			SourceID:   m.SourceID,
			SourceType: m.SourceType,
			Text:       m.Text,
			Similarity: m.Similarity,
		})
	}
	return out
}

func composePrompt(sources []RAGSource, history []*types.Message, historyTurns int, newMessage string) string {
	var b strings.Builder

	if len(sources) > 0 {
		b.WriteString("Knowledge base context:\n")
		for _, src := range sources {
			fmt.Fprintf(&b, "[Source %s]\n%s\n\n", src.SourceID, src.Text)
		}
	} else {
		b.WriteString("Knowledge base context: none found.\n\n")
	}

	turns := history
	if len(turns) > historyTurns {
		turns = turns[len(turns)-historyTurns:]
	}
	if len(turns) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range turns {
			fmt.Fprintf(&b, "%s: %s\n", roleLabel(m), m.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("Customer message: ")
	b.WriteString(newMessage)
	return b.String()
}

func roleLabel(m *types.Message) string {
	switch m.SenderRole {
	case types.SenderRoleAssistant:
		return "Assistant"
	case types.SenderRoleAgent:
		return "Agent"
	default:
		return "Customer"
	}
}

// computeConfidence blends mean source similarity, source count, response
// length relative to the query, and query/source keyword overlap. A reply
// with no grounding is pinned to 0.3 regardless of the other terms.
func computeConfidence(query string, reply string, sources []RAGSource) float64 {
	if len(sources) == 0 {
		return 0.3
	}

	var simSum float64
	var sourceText strings.Builder
	for _, src := range sources {
		simSum += src.Similarity
		sourceText.WriteString(src.Text)
		sourceText.WriteString(" ")
	}
	meanSim := simSum / float64(len(sources))

	sourceFactor := float64(len(sources)) / 5.0
	if sourceFactor > 1 {
		sourceFactor = 1
	}

	lengthFactor := 1.0
	if qLen := len([]rune(query)); qLen > 0 {
		lengthFactor = float64(len([]rune(reply))) / float64(2*qLen)
		if lengthFactor > 1 {
			lengthFactor = 1
		}
	}

	overlap := keywordOverlap(query, sourceText.String())

	confidence := 0.4*meanSim + 0.2*sourceFactor + 0.2*lengthFactor + 0.2*overlap
	if confidence < 0.1 {
		confidence = 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// keywordOverlap is the fraction of the query's stop-word-filtered keywords
// that appear in the source text.
func keywordOverlap(query string, sourceText string) float64 {
	keywords := tokenizeKeywords(query)
	if len(keywords) == 0 {
		return 0
	}
	sourceWords := make(map[string]struct{})
	for _, w := range tokenizeKeywords(sourceText) {
		sourceWords[w] = struct{}{}
	}
	var hits int
	for _, kw := range keywords {
		if _, ok := sourceWords[kw]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// topKeywords returns the k most frequent non-stop-words across the turns,
// ties broken alphabetically.
func topKeywords(turns []string, k int) []string {
	freq := make(map[string]int)
	for _, turn := range turns {
		for _, w := range tokenizeKeywords(turn) {
			freq[w]++
		}
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > k {
		words = words[:k]
	}
	return words
}

func tokenizeKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len(f) < 3 {
			continue
		}
		if _, ok := stopWords[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "any": {}, "can": {}, "had": {}, "her": {},
	"was": {}, "one": {}, "our": {}, "out": {}, "has": {}, "have": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "with": {}, "this": {},
	"that": {}, "there": {}, "their": {}, "they": {}, "them": {}, "then": {},
	"your": {}, "from": {}, "how": {}, "why": {}, "who": {}, "will": {},
	"would": {}, "could": {}, "should": {}, "about": {}, "does": {}, "did": {},
	"please": {}, "hello": {}, "thanks": {}, "thank": {},
}
