package optimizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectyra/internal/llm"
)

const paraA = "The service keeps a rolling window of recent requests for adaptive throttling decisions."
const paraB = "Responses are cached by their semantic fingerprint so repeated questions are answered instantly."

func TestUnitizeSplitsParagraphs(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: paraA + "\n\n" + paraB},
	}
	units := Unitize(PathTalk, msgs, UnitizerOptions{MaxUnits: 50})
	require.Len(t, units, 2)
	assert.Equal(t, paraA, units[0].Text)
	assert.Equal(t, paraB, units[1].Text)
}

func TestUnitizeBulletLines(t *testing.T) {
	content := "- the first requirement is to keep latency under the published budget\n" +
		"- the second requirement is to never drop tool output on the floor\n" +
		"* a third point that is long enough to survive the minimum size filter"
	units := Unitize(PathTalk, []llm.Message{{Role: llm.RoleUser, Content: content}}, UnitizerOptions{MaxUnits: 50})
	require.Len(t, units, 3)
}

func TestUnitizeSkipsSystemByDefault(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: paraA},
		{Role: llm.RoleUser, Content: paraB},
	}
	units := Unitize(PathTalk, msgs, UnitizerOptions{MaxUnits: 50})
	require.Len(t, units, 1)
	assert.Equal(t, llm.RoleUser, units[0].Role)

	units = Unitize(PathTalk, msgs, UnitizerOptions{MaxUnits: 50, IncludeSystem: true})
	require.Len(t, units, 2)
}

func TestUnitizeDropsShortAndWindowsLong(t *testing.T) {
	long := strings.Repeat("abcdefghij", 200) // 2000 chars
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "too short"},
		{Role: llm.RoleUser, Content: long},
	}
	units := Unitize(PathTalk, msgs, UnitizerOptions{MinChars: 40, MaxChars: 900, MaxUnits: 50})
	require.Len(t, units, 3) // 900 + 900 + 200
	assert.Len(t, units[0].Text, 900)
	assert.Len(t, units[1].Text, 900)
	assert.Len(t, units[2].Text, 200)
}

func TestUnitizeCodePathExtractsFences(t *testing.T) {
	content := "Here is the updated handler, please review the change carefully.\n\n" +
		"```go\nfunc Handler(w http.ResponseWriter, r *http.Request) {\n\tw.WriteHeader(200)\n}\n```"
	units := Unitize(PathCode, []llm.Message{{Role: llm.RoleUser, Content: content}}, UnitizerOptions{MaxUnits: 50})
	require.Len(t, units, 2)

	var codeUnit, proseUnit *Unit
	for i := range units {
		if strings.HasPrefix(units[i].Text, "CODE_BLOCK:") {
			codeUnit = &units[i]
		} else {
			proseUnit = &units[i]
		}
	}
	require.NotNil(t, codeUnit)
	require.NotNil(t, proseUnit)
	assert.Equal(t, KindCode, codeUnit.Kind)
	assert.Contains(t, codeUnit.Text, "func Handler")
}

func TestUnitizeKindInference(t *testing.T) {
	cases := []struct {
		role string
		text string
		want Kind
	}{
		{llm.RoleUser, "The exporter must flush every batch before shutdown completes.", KindConstraint},
		{llm.RoleAssistant, "I changed the retry policy so transient errors back off exponentially.", KindExplanation},
		{llm.RoleUser, "The current deployment uses three replicas across two availability zones.", KindFact},
		{llm.RoleUser, "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1,3 +1,4 @@", KindPatch},
	}
	for _, c := range cases {
		units := Unitize(PathTalk, []llm.Message{{Role: c.role, Content: c.text}}, UnitizerOptions{MaxUnits: 50})
		require.Len(t, units, 1, c.text)
		assert.Equal(t, c.want, units[0].Kind, c.text)
	}
}

func TestUnitIDsDeterministicWithCollisionSuffix(t *testing.T) {
	msg := llm.Message{Role: llm.RoleUser, Content: paraA}
	first := Unitize(PathTalk, []llm.Message{msg}, UnitizerOptions{MaxUnits: 50})
	second := Unitize(PathTalk, []llm.Message{msg}, UnitizerOptions{MaxUnits: 50})
	require.Len(t, first, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Len(t, first[0].ID, 16)

	// identical text twice in one request gets a disambiguated ID
	dup := Unitize(PathTalk, []llm.Message{msg, msg}, UnitizerOptions{MaxUnits: 50})
	require.Len(t, dup, 2)
	assert.NotEqual(t, dup[0].ID, dup[1].ID)
	assert.Equal(t, dup[0].ID+"-1", dup[1].ID)
}

func TestUnitizeTruncatesToMostRecent(t *testing.T) {
	var msgs []llm.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: paraA + " " + strings.Repeat("x", i+1)})
	}
	units := Unitize(PathTalk, msgs, UnitizerOptions{MaxUnits: 3})
	require.Len(t, units, 3)
	assert.True(t, strings.HasSuffix(units[2].Text, strings.Repeat("x", 10)))
}

func TestUnitizeZeroMaxUnits(t *testing.T) {
	units := Unitize(PathTalk, []llm.Message{{Role: llm.RoleUser, Content: paraA}}, UnitizerOptions{MaxUnits: 0})
	assert.Empty(t, units)
}

func TestUnitizeTurnsIncrementPerUserMessage(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: paraA},
		{Role: llm.RoleAssistant, Content: paraB},
		{Role: llm.RoleUser, Content: paraB + " again, with a little extra detail appended."},
	}
	units := Unitize(PathTalk, msgs, UnitizerOptions{MaxUnits: 50})
	require.Len(t, units, 3)
	assert.Equal(t, 1, units[0].CreatedAtTurn)
	assert.Equal(t, 1, units[1].CreatedAtTurn)
	assert.Equal(t, 2, units[2].CreatedAtTurn)
}
