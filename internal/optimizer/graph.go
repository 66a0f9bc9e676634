package optimizer

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// GraphOptions tunes edge construction.
type GraphOptions struct {
	MaxNodes                int
	SimilarityEdgeMin       float64
	ContradictionEdgeWeight float64
}

func (o GraphOptions) withDefaults() GraphOptions {
	if o.MaxNodes == 0 {
		o.MaxNodes = 50
	}
	if o.SimilarityEdgeMin == 0 {
		o.SimilarityEdgeMin = 0.62
	}
	if o.ContradictionEdgeWeight == 0 {
		o.ContradictionEdgeWeight = -0.8
	}
	return o
}

// maxEdgeWeight caps a similarity weight after boosts.
const maxEdgeWeight = 1.5

// BuildGraph produces the signed weighted graph over the most recent units.
func BuildGraph(path Path, units []Unit, opts GraphOptions) *Graph {
	opts = opts.withDefaults()
	if opts.MaxNodes > 0 && len(units) > opts.MaxNodes {
		units = units[len(units)-opts.MaxNodes:]
	}
	g := &Graph{Units: units}
	if len(units) < 2 {
		return g
	}
	addSimilarityEdges(g, path, opts)
	addContradictionEdges(g, path, opts)
	addDependencyEdges(g, path)
	return g
}

func addSimilarityEdges(g *Graph, path Path, opts GraphOptions) {
	baseW := 0.8
	if path == PathCode {
		baseW = 1.0
	}
	for i := 0; i < len(g.Units); i++ {
		for j := i + 1; j < len(g.Units); j++ {
			a, b := g.Units[i], g.Units[j]
			cos := cosineSimilarity(a.Embedding, b.Embedding)
			if cos < opts.SimilarityEdgeMin {
				continue
			}
			w := baseW * cos
			if path == PathCode && isCodeKind(a.Kind) && isCodeKind(b.Kind) {
				w += 0.15
			}
			w += temporalBoost(a.CreatedAtTurn, b.CreatedAtTurn)
			w += kindMatchBoost(a.Kind, b.Kind)
			if w > maxEdgeWeight {
				w = maxEdgeWeight
			}
			g.Edges = append(g.Edges, Edge{I: i, J: j, W: w, Type: EdgeSimilarity})
		}
	}
}

func isCodeKind(k Kind) bool { return k == KindCode || k == KindPatch }

func temporalBoost(a, b int) float64 {
	switch d := absInt(a - b); {
	case d == 0:
		return 0.15
	case d == 1:
		return 0.08
	case d <= 3:
		return 0.03
	}
	return 0
}

func kindMatchBoost(a, b Kind) float64 {
	if a != b {
		return 0
	}
	switch a {
	case KindConstraint:
		return 0.12
	case KindFact:
		return 0.08
	case KindExplanation:
		return 0.05
	}
	return 0
}

// --- contradiction scoring --------------------------------------------------

var (
	wordRe     = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]{3,}`)
	numberRe   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	negationRe = regexp.MustCompile(`(?i)\b(not|no|never|don't|doesn't|won't|cannot|can't|shouldn't|mustn't|isn't|aren't)\b`)
	pastRe     = regexp.MustCompile(`(?i)\b(was|were|did|had|previously|before|used to)\b`)
	futureRe   = regexp.MustCompile(`(?i)\b(will|shall|going to|planned|upcoming|later)\b`)
)

// oppositionLexicon pairs semantically opposed terms.
var oppositionLexicon = [][2]string{
	{"always", "never"},
	{"include", "exclude"},
	{"increase", "decrease"},
	{"enable", "disable"},
	{"allow", "forbid"},
	{"add", "remove"},
	{"before", "after"},
	{"start", "stop"},
	{"accept", "reject"},
	{"required", "optional"},
	{"sync", "async"},
	{"public", "private"},
}

func addContradictionEdges(g *Graph, path Path, opts GraphOptions) {
	cw := math.Abs(opts.ContradictionEdgeWeight)
	for i := 0; i < len(g.Units); i++ {
		for j := i + 1; j < len(g.Units); j++ {
			a, b := g.Units[i], g.Units[j]
			if path == PathCode && isCodeKind(a.Kind) && isCodeKind(b.Kind) {
				continue
			}
			shared := sharedContentWords(a.Text, b.Text)
			if len(shared) == 0 {
				continue
			}
			score := contradictionScore(a.Text, b.Text, len(shared))
			if score <= 0.15 {
				continue
			}
			w := -math.Min(cw, math.Max(0.3, score*cw))
			g.Edges = append(g.Edges, Edge{I: i, J: j, W: w, Type: EdgeContradiction})
		}
	}
}

func sharedContentWords(a, b string) map[string]struct{} {
	setA := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(strings.ToLower(a), -1) {
		setA[w] = struct{}{}
	}
	shared := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(strings.ToLower(b), -1) {
		if _, ok := setA[w]; ok {
			shared[w] = struct{}{}
		}
	}
	return shared
}

func contradictionScore(a, b string, sharedWords int) float64 {
	score := numericConflict(a, b)
	if negationRe.MatchString(a) != negationRe.MatchString(b) {
		score += 0.3
	}
	if hasOpposition(a, b) {
		score += 0.35
	}
	if temporalConflict(a, b, sharedWords) {
		score += 0.25
	}
	return score
}

// numericConflict contributes up to 0.4 when the two texts carry numbers
// whose relative difference exceeds 15%.
func numericConflict(a, b string) float64 {
	numsA := parseNumbers(a)
	numsB := parseNumbers(b)
	if len(numsA) == 0 || len(numsB) == 0 {
		return 0
	}
	worst := 0.0
	for _, x := range numsA {
		for _, y := range numsB {
			denom := math.Max(math.Abs(x), math.Abs(y))
			if denom == 0 {
				continue
			}
			rel := math.Abs(x-y) / denom
			if rel > 0.15 && rel > worst {
				worst = rel
			}
		}
	}
	if worst == 0 {
		return 0
	}
	return math.Min(0.4, worst)
}

func parseNumbers(s string) []float64 {
	var out []float64
	for _, m := range numberRe.FindAllString(s, -1) {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func hasOpposition(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	for _, pair := range oppositionLexicon {
		if (containsWord(la, pair[0]) && containsWord(lb, pair[1])) ||
			(containsWord(la, pair[1]) && containsWord(lb, pair[0])) {
			return true
		}
	}
	return false
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		beforeOK := i == 0 || !isWordByte(haystack[i-1])
		after := i + len(word)
		afterOK := after >= len(haystack) || !isWordByte(haystack[after])
		if beforeOK && afterOK {
			return true
		}
		idx = i + 1
	}
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func temporalConflict(a, b string, sharedWords int) bool {
	if sharedWords < 2 {
		return false
	}
	aPast, aFut := pastRe.MatchString(a), futureRe.MatchString(a)
	bPast, bFut := pastRe.MatchString(b), futureRe.MatchString(b)
	return (aPast && bFut) || (aFut && bPast)
}

// --- dependency edges -------------------------------------------------------

var identRe = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*|\(\))`)

// addDependencyEdges links units that reference each other. On the code path
// a prose unit naming an identifier that appears in a code unit depends on
// it. On the talk path an anaphoric opener ties a unit to its predecessor.
// Directed relations, stored symmetrically like every other edge.
func addDependencyEdges(g *Graph, path Path) {
	if path == PathCode {
		for i, a := range g.Units {
			if isCodeKind(a.Kind) {
				continue
			}
			idents := identRe.FindAllString(a.Text, -1)
			if len(idents) == 0 {
				continue
			}
			for j, b := range g.Units {
				if i == j || !isCodeKind(b.Kind) {
					continue
				}
				for _, id := range idents {
					if strings.Contains(b.Text, strings.TrimSuffix(id, "()")) {
						g.Edges = append(g.Edges, Edge{I: i, J: j, W: 0.3, Type: EdgeDependency})
						break
					}
				}
			}
		}
		return
	}
	for i := 1; i < len(g.Units); i++ {
		lower := strings.ToLower(g.Units[i].Text)
		if strings.HasPrefix(lower, "this ") || strings.HasPrefix(lower, "that ") ||
			strings.HasPrefix(lower, "it ") || strings.HasPrefix(lower, "also ") {
			g.Edges = append(g.Edges, Edge{I: i - 1, J: i, W: 0.25, Type: EdgeDependency})
		}
	}
}

// --- vector helpers ---------------------------------------------------------

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
