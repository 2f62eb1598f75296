package esl

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/acme/outbound-dialer/internal/telephony"
)

const (
	wordDuration      = 300 * time.Millisecond
	minSpeechDuration = 200 * time.Millisecond
)

// eventNames are subscribed on the event connection.
var eventNames = []string{
	"CHANNEL_PROGRESS",
	"CHANNEL_PROGRESS_MEDIA",
	"CHANNEL_ANSWER",
	"CHANNEL_HANGUP_COMPLETE",
	"PLAYBACK_START",
	"PLAYBACK_STOP",
	"DETECTED_SPEECH",
}

// ParseEvent decodes a plain-format event. Errors wrap
// telephony.ErrUnknownEvent for events the dialer ignores and
// telephony.ErrMalformedEvent for events it cannot decode.
func ParseEvent(f Frame) (telephony.Event, error) {
	name := f.Get("Event-Name")
	if name == "" {
		return telephony.Event{}, fmt.Errorf("%w: missing Event-Name", telephony.ErrMalformedEvent)
	}

	ev := telephony.Event{ChannelID: f.Get("Unique-ID"), At: eventTime(f)}
	switch name {
	case "CHANNEL_PROGRESS", "CHANNEL_PROGRESS_MEDIA":
		ev.Kind = telephony.EventRinging
	case "CHANNEL_ANSWER":
		ev.Kind = telephony.EventAnswered
	case "PLAYBACK_START":
		ev.Kind = telephony.EventPlaybackStarted
	case "PLAYBACK_STOP":
		ev.Kind = telephony.EventPlaybackStopped
	case "CHANNEL_HANGUP_COMPLETE":
		ev.Kind = telephony.EventHangup
		ev.HangupCause = f.Get("Hangup-Cause")
		if ev.HangupCause == "" {
			ev.HangupCause = f.Get("variable_hangup_cause")
		}
		ev.AMDResult = f.Get("variable_amd_result")
	case "DETECTED_SPEECH":
		speech, err := parseSpeech(f)
		if err != nil {
			return telephony.Event{}, err
		}
		ev.Kind = telephony.EventSpeech
		ev.Speech = speech
	default:
		return telephony.Event{}, fmt.Errorf("%w: %s", telephony.ErrUnknownEvent, name)
	}

	if ev.ChannelID == "" {
		return telephony.Event{}, fmt.Errorf("%w: %s without Unique-ID", telephony.ErrMalformedEvent, name)
	}
	return ev, nil
}

func eventTime(f Frame) time.Time {
	raw := f.Get("Event-Date-Timestamp")
	if raw == "" {
		return time.Time{}
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}

func parseSpeech(f Frame) (*telephony.Speech, error) {
	var final bool
	switch f.Get("Speech-Type") {
	case "detected-speech":
		final = true
	case "detected-partial-speech":
	default:
		return nil, fmt.Errorf("%w: speech type %q", telephony.ErrUnknownEvent, f.Get("Speech-Type"))
	}

	text, confidence, err := parseNLSML(f.Body)
	if err != nil {
		return nil, err
	}

	speech := &telephony.Speech{Text: text, Confidence: confidence, Final: final}
	if ms, err := strconv.Atoi(f.Get("Speech-Duration-Ms")); err == nil && ms > 0 {
		speech.Duration = time.Duration(ms) * time.Millisecond
	} else {
		speech.Duration = EstimateSpeechDuration(text)
	}
	return speech, nil
}

// EstimateSpeechDuration guesses how long text took to say when the
// recogniser does not report it.
func EstimateSpeechDuration(text string) time.Duration {
	d := time.Duration(len(strings.Fields(text))) * wordDuration
	if d < minSpeechDuration {
		return minSpeechDuration
	}
	return d
}

type nlsmlResult struct {
	XMLName         xml.Name `xml:"result"`
	Interpretations []struct {
		Confidence string `xml:"confidence,attr"`
		Input      string `xml:"input"`
		Instance   string `xml:"instance"`
	} `xml:"interpretation"`
}

// parseNLSML returns the best interpretation. Confidence is reported on a
// 0-100 scale; recognisers that report 0-1 are scaled up.
func parseNLSML(body string) (string, float64, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", 0, fmt.Errorf("%w: empty speech body", telephony.ErrMalformedEvent)
	}

	var res nlsmlResult
	if err := xml.Unmarshal([]byte(body), &res); err != nil {
		return "", 0, fmt.Errorf("%w: nlsml: %v", telephony.ErrMalformedEvent, err)
	}

	var (
		bestText string
		bestConf = -1.0
	)
	for _, in := range res.Interpretations {
		text := strings.TrimSpace(in.Input)
		if text == "" {
			text = strings.TrimSpace(in.Instance)
		}
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(strings.TrimSpace(in.Confidence), 64)
		if err != nil {
			conf = 0
		}
		if conf > 0 && conf <= 1 && strings.Contains(in.Confidence, ".") {
			conf *= 100
		}
		if conf > bestConf {
			bestText, bestConf = text, conf
		}
	}
	if bestText == "" {
		return "", 0, fmt.Errorf("%w: nlsml without input", telephony.ErrMalformedEvent)
	}
	return bestText, bestConf, nil
}

type channelList struct {
	RowCount int `json:"row_count"`
	Rows     []struct {
		UUID      string `json:"uuid"`
		CallState string `json:"callstate"`
	} `json:"rows"`
}

func parseChannelList(body string) (map[string]struct{}, error) {
	var list channelList
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &list); err != nil {
		return nil, fmt.Errorf("esl: decode channel list: %w", err)
	}
	live := make(map[string]struct{}, len(list.Rows))
	for _, row := range list.Rows {
		if row.UUID != "" {
			live[row.UUID] = struct{}{}
		}
	}
	return live, nil
}

func parseChannelDump(id, body string) (*telephony.ChannelOutcome, error) {
	var dump map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &dump); err != nil {
		return nil, fmt.Errorf("esl: decode channel %s: %w", id, err)
	}
	return &telephony.ChannelOutcome{
		ChannelID:   id,
		State:       dump["Channel-State"],
		Answered:    dump["Answer-State"] == "answered" || (dump["variable_answer_epoch"] != "" && dump["variable_answer_epoch"] != "0"),
		HangupCause: firstNonEmpty(dump["Hangup-Cause"], dump["variable_hangup_cause"]),
		AMDResult:   dump["variable_amd_result"],
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
