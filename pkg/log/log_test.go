package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaggedLoggersEmitFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("scheduler").Info().Str("queue", "main").Msg("job queued")
	WithJobID("job-42").Error().Msg("lease expired")
	WithBotID("bot-7").Debug().Msg("session refreshed")
	WithInstance("main").Warn().Msg("storage nearly full")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"queue":"main"`)
	assert.Contains(t, out, `"job_id":"job-42"`)
	assert.Contains(t, out, `"bot_id":"bot-7"`)
	assert.Contains(t, out, `"instance":"main"`)
	assert.Contains(t, out, `"level":"error"`)
}

func TestInitLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("cas").Info().Msg("suppressed")
	WithComponent("cas").Warn().Msg("emitted")

	out := buf.String()
	assert.NotContains(t, out, "suppressed")
	assert.Contains(t, out, "emitted")
}
