// Package wyoming implements the Wyoming peer-to-peer event protocol used by
// voice satellites: newline-delimited JSON headers, each optionally followed
// by a raw binary payload.
package wyoming

import (
	"encoding/json"
	"fmt"
)

// Event types carried on the wire.
const (
	TypeDescribe    = "describe"
	TypeInfo        = "info"
	TypeAudioStart  = "audio-start"
	TypeAudioChunk  = "audio-chunk"
	TypeAudioStop   = "audio-stop"
	TypeDetect      = "detect"
	TypeDetection   = "detection"
	TypeNotDetected = "not-detected"
)

// Event is a single protocol event: a typed JSON header plus an optional
// binary payload. Data is kept raw so unknown event types pass through
// untouched.
type Event struct {
	Type    string
	Data    json.RawMessage
	Payload []byte
}

// header is the wire representation of an event's JSON line.
type header struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	PayloadLength *int            `json:"payload_length,omitempty"`
}

// AudioFormat describes a PCM stream. All fields must be positive.
type AudioFormat struct {
	Rate     int `json:"rate"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// Validate reports whether the format is usable for recognition.
func (f AudioFormat) Validate() error {
	if f.Rate <= 0 || f.Width <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid audio format: rate=%d width=%d channels=%d",
			f.Rate, f.Width, f.Channels)
	}
	return nil
}

// Describe asks a server for its Info.
type Describe struct{}

// Event converts to a wire event.
func (Describe) Event() Event { return Event{Type: TypeDescribe} }

// Attribution credits the author of a program or model.
type Attribution struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// WakeModel describes one wake-word model a program can load.
type WakeModel struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Phrase      string      `json:"phrase,omitempty"`
	Attribution Attribution `json:"attribution"`
	Installed   bool        `json:"installed"`
	Languages   []string    `json:"languages,omitempty"`
	Version     string      `json:"version,omitempty"`
}

// WakeProgram describes a wake-word detection service.
type WakeProgram struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Attribution Attribution `json:"attribution"`
	Installed   bool        `json:"installed"`
	Version     string      `json:"version,omitempty"`
	Models      []WakeModel `json:"models"`
}

// Info is the server's capability reply to Describe.
type Info struct {
	Wake []WakeProgram `json:"wake,omitempty"`
}

// Event converts to a wire event.
func (i Info) Event() (Event, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: TypeInfo, Data: data}, nil
}

// AudioStart opens an audio stream in the given format.
type AudioStart struct {
	AudioFormat
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Event converts to a wire event.
func (a AudioStart) Event() (Event, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: TypeAudioStart, Data: data}, nil
}

// ParseAudioStart decodes an audio-start event.
func ParseAudioStart(e Event) (AudioStart, error) {
	var a AudioStart
	if e.Type != TypeAudioStart {
		return a, fmt.Errorf("expected %s event, got %s", TypeAudioStart, e.Type)
	}
	if err := json.Unmarshal(e.Data, &a); err != nil {
		return a, fmt.Errorf("bad audio-start data: %w", err)
	}
	return a, nil
}

// AudioChunk carries one frame of raw PCM in the event payload.
type AudioChunk struct {
	AudioFormat
	Timestamp int64 `json:"timestamp,omitempty"`
	Audio     []byte
}

// Event converts to a wire event with the PCM bytes as payload.
func (c AudioChunk) Event() (Event, error) {
	data, err := json.Marshal(struct {
		AudioFormat
		Timestamp int64 `json:"timestamp,omitempty"`
	}{c.AudioFormat, c.Timestamp})
	if err != nil {
		return Event{}, err
	}
	return Event{Type: TypeAudioChunk, Data: data, Payload: c.Audio}, nil
}

// ParseAudioChunk decodes an audio-chunk event.
func ParseAudioChunk(e Event) (AudioChunk, error) {
	var c AudioChunk
	if e.Type != TypeAudioChunk {
		return c, fmt.Errorf("expected %s event, got %s", TypeAudioChunk, e.Type)
	}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &c); err != nil {
			return c, fmt.Errorf("bad audio-chunk data: %w", err)
		}
	}
	c.Audio = e.Payload
	return c, nil
}

// AudioStop closes the audio stream.
type AudioStop struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Event converts to a wire event.
func (a AudioStop) Event() (Event, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: TypeAudioStop, Data: data}, nil
}

// Detect asks the server to watch for specific wake words.
type Detect struct {
	Names []string `json:"names,omitempty"`
}

// Event converts to a wire event.
func (d Detect) Event() (Event, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: TypeDetect, Data: data}, nil
}

// Detection reports a recognized wake word.
type Detection struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Event converts to a wire event.
func (d Detection) Event() (Event, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: TypeDetection, Data: data}, nil
}

// ParseDetection decodes a detection event.
func ParseDetection(e Event) (Detection, error) {
	var d Detection
	if e.Type != TypeDetection {
		return d, fmt.Errorf("expected %s event, got %s", TypeDetection, e.Type)
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, fmt.Errorf("bad detection data: %w", err)
	}
	return d, nil
}

// NotDetected reports that the stream ended without a wake word.
type NotDetected struct{}

// Event converts to a wire event.
func (NotDetected) Event() Event { return Event{Type: TypeNotDetected} }
