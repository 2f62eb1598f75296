package esl

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dialer/internal/telephony"
)

func frame(headers map[string]string, body string) Frame {
	f := Frame{Headers: make(map[string]string, len(headers)), Body: body}
	for k, v := range headers {
		f.Headers[strings.ToLower(k)] = v
	}
	return f
}

const nlsml = `<?xml version="1.0"?>
<result grammar="bargein">
  <interpretation grammar="bargein" confidence="87">
    <input mode="speech">not interested thanks</input>
  </interpretation>
</result>`

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		want    telephony.Event
		wantErr error
	}{
		{
			name:  "answer",
			frame: frame(map[string]string{"Event-Name": "CHANNEL_ANSWER", "Unique-ID": "c1", "Event-Date-Timestamp": "1700000000000000"}, ""),
			want:  telephony.Event{Kind: telephony.EventAnswered, ChannelID: "c1", At: time.UnixMicro(1700000000000000).UTC()},
		},
		{
			name:  "progress media rings",
			frame: frame(map[string]string{"Event-Name": "CHANNEL_PROGRESS_MEDIA", "Unique-ID": "c1"}, ""),
			want:  telephony.Event{Kind: telephony.EventRinging, ChannelID: "c1"},
		},
		{
			name: "hangup carries cause and amd",
			frame: frame(map[string]string{
				"Event-Name":          "CHANNEL_HANGUP_COMPLETE",
				"Unique-ID":           "c2",
				"Hangup-Cause":        "USER_BUSY",
				"variable_amd_result": "HUMAN",
			}, ""),
			want: telephony.Event{Kind: telephony.EventHangup, ChannelID: "c2", HangupCause: "USER_BUSY", AMDResult: "HUMAN"},
		},
		{
			name:    "unknown event",
			frame:   frame(map[string]string{"Event-Name": "HEARTBEAT"}, ""),
			wantErr: telephony.ErrUnknownEvent,
		},
		{
			name:    "missing name",
			frame:   frame(map[string]string{"Unique-ID": "c1"}, ""),
			wantErr: telephony.ErrMalformedEvent,
		},
		{
			name:    "missing channel",
			frame:   frame(map[string]string{"Event-Name": "CHANNEL_ANSWER"}, ""),
			wantErr: telephony.ErrMalformedEvent,
		},
		{
			name:    "begin speaking is ignored",
			frame:   frame(map[string]string{"Event-Name": "DETECTED_SPEECH", "Unique-ID": "c1", "Speech-Type": "begin-speaking"}, ""),
			wantErr: telephony.ErrUnknownEvent,
		},
		{
			name:    "broken nlsml",
			frame:   frame(map[string]string{"Event-Name": "DETECTED_SPEECH", "Unique-ID": "c1", "Speech-Type": "detected-speech"}, "<result><interp"),
			wantErr: telephony.ErrMalformedEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent(tt.frame)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSpeechEvent(t *testing.T) {
	ev, err := ParseEvent(frame(map[string]string{
		"Event-Name":  "DETECTED_SPEECH",
		"Unique-ID":   "c1",
		"Speech-Type": "detected-speech",
	}, nlsml))
	require.NoError(t, err)
	require.NotNil(t, ev.Speech)
	assert.Equal(t, telephony.EventSpeech, ev.Kind)
	assert.Equal(t, "not interested thanks", ev.Speech.Text)
	assert.Equal(t, 87.0, ev.Speech.Confidence)
	assert.True(t, ev.Speech.Final)
	assert.Equal(t, 900*time.Millisecond, ev.Speech.Duration)

	ev, err = ParseEvent(frame(map[string]string{
		"Event-Name":         "DETECTED_SPEECH",
		"Unique-ID":          "c1",
		"Speech-Type":        "detected-partial-speech",
		"Speech-Duration-Ms": "640",
	}, `<result><interpretation confidence="0.42"><input>hello</input></interpretation></result>`))
	require.NoError(t, err)
	assert.False(t, ev.Speech.Final)
	assert.InDelta(t, 42.0, ev.Speech.Confidence, 1e-9)
	assert.Equal(t, 640*time.Millisecond, ev.Speech.Duration)
}

func TestEstimateSpeechDuration(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, EstimateSpeechDuration(""))
	assert.Equal(t, 300*time.Millisecond, EstimateSpeechDuration("yes"))
	assert.Equal(t, 1200*time.Millisecond, EstimateSpeechDuration("call me back tomorrow"))
}

func TestParseChannelList(t *testing.T) {
	live, err := parseChannelList(`{"row_count":2,"rows":[{"uuid":"a","callstate":"ACTIVE"},{"uuid":"b","callstate":"RINGING"}]}`)
	require.NoError(t, err)
	assert.Len(t, live, 2)
	assert.Contains(t, live, "a")

	live, err = parseChannelList(`{"row_count":0}`)
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = parseChannelList("+OK")
	require.Error(t, err)
}

func TestParseChannelDump(t *testing.T) {
	info, err := parseChannelDump("a", `{"Channel-State":"CS_EXECUTE","Answer-State":"answered","variable_amd_result":"MACHINE"}`)
	require.NoError(t, err)
	assert.True(t, info.Answered)
	assert.Equal(t, "MACHINE", info.AMDResult)
	assert.Equal(t, "CS_EXECUTE", info.State)
}
