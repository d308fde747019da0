package wyoming

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	t.Run("header only", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewEventWriter(&buf)

		require.NoError(t, w.WriteEvent(Describe{}.Event()))

		r := NewEventReader(&buf)
		ev, err := r.ReadEvent()
		require.NoError(t, err)
		assert.Equal(t, TypeDescribe, ev.Type)
		assert.Nil(t, ev.Payload)
	})

	t.Run("with payload", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewEventWriter(&buf)

		pcm := []byte{0x01, 0x02, 0x03, 0x04}
		chunk := AudioChunk{
			AudioFormat: AudioFormat{Rate: 16000, Width: 2, Channels: 1},
			Audio:       pcm,
		}
		ev, err := chunk.Event()
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(ev))

		r := NewEventReader(&buf)
		got, err := r.ReadEvent()
		require.NoError(t, err)
		assert.Equal(t, TypeAudioChunk, got.Type)

		parsed, err := ParseAudioChunk(got)
		require.NoError(t, err)
		assert.Equal(t, 16000, parsed.Rate)
		assert.Equal(t, 2, parsed.Width)
		assert.Equal(t, 1, parsed.Channels)
		assert.Equal(t, pcm, parsed.Audio)
	})

	t.Run("multiple events preserve order", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewEventWriter(&buf)

		start, err := AudioStart{AudioFormat: AudioFormat{Rate: 16000, Width: 2, Channels: 1}}.Event()
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(start))

		for i := 0; i < 3; i++ {
			ev, err := (AudioChunk{
				AudioFormat: AudioFormat{Rate: 16000, Width: 2, Channels: 1},
				Audio:       []byte{byte(i)},
			}).Event()
			require.NoError(t, err)
			require.NoError(t, w.WriteEvent(ev))
		}
		stop, err := AudioStop{}.Event()
		require.NoError(t, err)
		require.NoError(t, w.WriteEvent(stop))

		r := NewEventReader(&buf)
		got, err := r.ReadEvent()
		require.NoError(t, err)
		assert.Equal(t, TypeAudioStart, got.Type)

		for i := 0; i < 3; i++ {
			got, err = r.ReadEvent()
			require.NoError(t, err)
			chunk, err := ParseAudioChunk(got)
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(i)}, chunk.Audio)
		}

		got, err = r.ReadEvent()
		require.NoError(t, err)
		assert.Equal(t, TypeAudioStop, got.Type)

		_, err = r.ReadEvent()
		assert.Equal(t, io.EOF, err)
	})
}

func TestEventReaderErrors(t *testing.T) {
	t.Run("garbage header", func(t *testing.T) {
		r := NewEventReader(bytes.NewBufferString("not json\n"))
		_, err := r.ReadEvent()
		assert.Error(t, err)
	})

	t.Run("missing type", func(t *testing.T) {
		r := NewEventReader(bytes.NewBufferString("{\"data\":{}}\n"))
		_, err := r.ReadEvent()
		assert.Error(t, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		r := NewEventReader(bytes.NewBufferString("{\"type\":\"audio-chunk\",\"payload_length\":10}\nabc"))
		_, err := r.ReadEvent()
		assert.Error(t, err)
	})

	t.Run("oversized payload rejected", func(t *testing.T) {
		r := NewEventReader(bytes.NewBufferString("{\"type\":\"audio-chunk\",\"payload_length\":999999999}\n"))
		_, err := r.ReadEvent()
		assert.Error(t, err)
	})
}

func TestInfoEvent(t *testing.T) {
	info := Info{
		Wake: []WakeProgram{{
			Name:        "azure",
			Description: "Azure speech keyword detection",
			Attribution: Attribution{Name: "Microsoft", URL: "https://azure.microsoft.com"},
			Installed:   true,
			Models: []WakeModel{{
				Name:      "Microsoft Azure Keyword",
				Phrase:    "hey_computer",
				Installed: true,
				Languages: []string{"en-US"},
			}},
		}},
	}

	ev, err := info.Event()
	require.NoError(t, err)
	assert.Equal(t, TypeInfo, ev.Type)

	var got Info
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	require.Len(t, got.Wake, 1)
	assert.Equal(t, "azure", got.Wake[0].Name)
	require.Len(t, got.Wake[0].Models, 1)
	assert.Equal(t, "hey_computer", got.Wake[0].Models[0].Phrase)
}

func TestAudioFormatValidate(t *testing.T) {
	assert.NoError(t, AudioFormat{Rate: 16000, Width: 2, Channels: 1}.Validate())
	assert.Error(t, AudioFormat{Rate: 0, Width: 2, Channels: 1}.Validate())
	assert.Error(t, AudioFormat{Rate: 16000, Width: -1, Channels: 1}.Validate())
	assert.Error(t, AudioFormat{}.Validate())
}
