package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
	"github.com/hubenschmidt/voicechat-gateway/internal/protocol"
)

type failingStrategy struct{}

func (failingStrategy) Open(context.Context, string) (pipeline.DialogBackend, error) {
	return nil, errors.New("intent agent unavailable")
}

func newTestRegistry() *Registry {
	return NewRegistry(Config{
		ASR: pipeline.NewASRRouter(map[string]pipeline.Transcriber{"stub": &stubTranscriber{text: "hello there"}}, "stub"),
		Dialogs: pipeline.NewDialogRouter(map[string]pipeline.DialogStrategy{
			pipeline.DialogChat:   pipeline.Shared(&stubDialog{}),
			pipeline.DialogIntent: failingStrategy{},
		}, pipeline.DialogChat),
		TTS: pipeline.NewTTSRouter(map[string]pipeline.Synthesizer{"stub": newStubSynth(false)}, "stub"),
		VAD: audio.DefaultVADConfig(),
	})
}

func TestRegistryOpenDispatchClose(t *testing.T) {
	reg := newTestRegistry()
	sink := &recordingSink{}

	id, err := reg.Open(context.Background(), sink, Options{Dialog: pipeline.DialogChat})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, reg.Len())
	require.NotNil(t, reg.Get(id))

	require.Eventually(t, func() bool { return len(sink.kinds()) == 1 }, waitFor, 5*time.Millisecond)
	start := sink.messages()[0]
	assert.Equal(t, protocol.KindSessionStart, start.Type)
	assert.Equal(t, id, start.Data["session_id"])

	reg.Dispatch(id, map[string]any{"type": "text_message", "data": map[string]any{"text": "hi there"}})
	require.Eventually(t, func() bool {
		_, ok := sink.last(protocol.KindAudioResponse)
		return ok
	}, waitFor, 5*time.Millisecond)

	infos := reg.List()
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, "active", infos[0].State)

	reg.Close(id)
	reg.Close(id)
	assert.Zero(t, reg.Len())
	assert.Nil(t, reg.Get(id))
}

func TestRegistryRejectsMalformedMessages(t *testing.T) {
	reg := newTestRegistry()
	sink := &recordingSink{}
	id, err := reg.Open(context.Background(), sink, Options{})
	require.NoError(t, err)
	t.Cleanup(reg.CloseAll)

	reg.Dispatch(id, map[string]any{"type": "dance"})
	reg.DispatchFrame(id, []byte(`[1,2,3]`))
	reg.DispatchFrame(id, []byte(`{"type":"start_speaking"}`))

	require.Eventually(t, func() bool { return len(sink.kinds()) == 3 }, waitFor, 5*time.Millisecond)
	msgs := sink.messages()
	assert.Equal(t, "unknown_message_type", msgs[1].Data["error"])
	assert.Equal(t, "invalid_json", msgs[2].Data["error"])
	assert.True(t, reg.Get(id).Info().UserSpeaking)
}

func TestRegistryUnknownSessionIsIgnored(t *testing.T) {
	reg := newTestRegistry()
	assert.NotPanics(t, func() {
		reg.Dispatch("missing", map[string]any{"type": "barge_in"})
		reg.DispatchFrame("missing", []byte(`{"type":"barge_in"}`))
		reg.Close("missing")
	})
	assert.Zero(t, reg.Len())
}

func TestRegistryOpenFailureRegistersNothing(t *testing.T) {
	reg := newTestRegistry()
	sink := &recordingSink{}

	_, err := reg.Open(context.Background(), sink, Options{Dialog: pipeline.DialogIntent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intent agent unavailable")
	assert.Zero(t, reg.Len())
	assert.Empty(t, sink.messages())
}

func TestRegistryIDsAreUnique(t *testing.T) {
	reg := newTestRegistry()
	t.Cleanup(reg.CloseAll)

	seen := map[string]bool{}
	for range 20 {
		id, err := reg.Open(context.Background(), &recordingSink{}, Options{})
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 20, reg.Len())

	reg.CloseAll()
	assert.Zero(t, reg.Len())
}
