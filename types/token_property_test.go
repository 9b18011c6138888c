package types

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// 每个 TaskState 序列化为 snake_case 字符串后必须解析回同一个值。
func TestProperty_TaskStateRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.SampledFrom(AllTaskStates()).Draw(rt, "state")

		text, err := s.MarshalText()
		require.NoError(rt, err)
		assert.Equal(rt, string(s), string(text))

		var back TaskState
		require.NoError(rt, back.UnmarshalText(text))
		assert.Equal(rt, s, back)

		b, err := json.Marshal(s)
		require.NoError(rt, err)
		var viaJSON TaskState
		require.NoError(rt, json.Unmarshal(b, &viaJSON))
		assert.Equal(rt, s, viaJSON)
	})
}

func TestProperty_AgentStatusRoundTrip(t *testing.T) {
	statuses := []AgentStatus{AgentStatusIdle, AgentStatusActive, AgentStatusBlocked, AgentStatusUnresponsive, AgentStatusOffline}
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.SampledFrom(statuses).Draw(rt, "status")
		text, err := s.MarshalText()
		require.NoError(rt, err)
		parsed, err := ParseAgentStatus(string(text))
		require.NoError(rt, err)
		assert.Equal(rt, s, parsed)
	})
}

// 合法能力标记经过 ParseCapability 后保持不变。
func TestProperty_CapabilityRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	word := gen.RegexMatch(`[a-z0-9]{1,8}`)
	properties.Property("canonical tokens parse to themselves", prop.ForAll(
		func(parts []string) bool {
			if len(parts) == 0 {
				return true
			}
			token := parts[0]
			for _, p := range parts[1:] {
				token += "_" + p
			}
			if !IsValidCapability(token) {
				return false
			}
			parsed, err := ParseCapability(token)
			return err == nil && parsed == token
		},
		gen.SliceOfN(3, word),
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(s string) bool {
			once := NormalizeCapability(s)
			return NormalizeCapability(once) == once
		},
		gen.RegexMatch(`[A-Za-z0-9 _-]{0,16}`),
	))

	properties.TestingRun(t)
}

func TestParseCapabilities(t *testing.T) {
	t.Parallel()

	caps, err := ParseCapabilities([]string{"Code-Review", "design", "code_review"})
	require.NoError(t, err)
	assert.Equal(t, []string{"code_review", "design"}, caps)

	_, err = ParseCapabilities([]string{"design!"})
	assert.True(t, IsErrorCode(err, ErrValidation))
}

func TestIsValidAgentName(t *testing.T) {
	t.Parallel()

	assert.True(t, IsValidAgentName("design-bot-2"))
	assert.False(t, IsValidAgentName("Design-Bot"))
	assert.False(t, IsValidAgentName("design_bot"))
	assert.False(t, IsValidAgentName("-bot"))
	assert.False(t, IsValidAgentName(""))
}
