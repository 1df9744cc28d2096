package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := NewWAL(filepath.Join(t.TempDir(), "test.wal"), true)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func collect(t *testing.T, w *WAL) ([]Event, error) {
	t.Helper()
	var events []Event
	err := w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

func TestAppendAndReplay(t *testing.T) {
	w := newTestWAL(t)

	e1, err := w.Append(EventPersist, "a", json.RawMessage(`{"task_id": "t1"}`))
	require.NoError(t, err)
	e2, err := w.Append(EventRemove, "a", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(2), w.LastSeq())
	// 記錄內容被壓縮成單行
	assert.Equal(t, `{"task_id":"t1"}`, string(e1.Record))

	events, err := collect(t, w)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventPersist, events[0].Type)
	assert.Equal(t, "a", events[0].StoreID)
	assert.JSONEq(t, `{"task_id":"t1"}`, string(events[0].Record))
	assert.Equal(t, EventRemove, events[1].Type)
	assert.Empty(t, events[1].Record)
}

func TestReplayRestoresSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(EventPersist, "x", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(0), w2.LastSeq())

	_, err = collect(t, w2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), w2.LastSeq())

	e, err := w2.Append(EventRemove, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Seq)
}

func TestRecordWithHTMLCharacters(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventPersist, "a", json.RawMessage(`{"kwargs":"<a&b>"}`))
	require.NoError(t, err)

	events, err := collect(t, w)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, `{"kwargs":"<a&b>"}`, string(events[0].Record))
}

func TestAppendInvalidRecord(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventPersist, "a", json.RawMessage(`{not json`))
	assert.Error(t, err)
	assert.Equal(t, uint64(0), w.LastSeq())
}

func TestReplayTornTail(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventPersist, "a", json.RawMessage(`{}`))
	require.NoError(t, err)

	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"PERS`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := collect(t, w)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.True(t, IsDamaged(err))
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Line)
	assert.Len(t, events, 1, "events before the damaged line are still delivered")
}

func TestReplayChecksumMismatch(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventPersist, "a", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal(raw, &e))
	e.StoreID = "b"
	line, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.Path(), append(line, '\n'), 0644))

	_, err = collect(t, w)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq 1")
}

func TestReplayHandlerError(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventPersist, "a", json.RawMessage(`{}`))
	require.NoError(t, err)

	boom := assert.AnError
	err = w.Replay(func(Event) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsDamaged(err))
}

func TestTruncateKeepsSeq(t *testing.T) {
	w := newTestWAL(t)
	for i := 0; i < 5; i++ {
		_, err := w.Append(EventPersist, "a", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	require.NoError(t, w.Truncate())

	info, err := os.Stat(w.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	e, err := w.Append(EventRemove, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), e.Seq)

	events, err := collect(t, w)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(6), events[0].Seq)
}

func TestAdvanceTo(t *testing.T) {
	w := newTestWAL(t)
	w.AdvanceTo(10)
	w.AdvanceTo(3)
	assert.Equal(t, uint64(10), w.LastSeq())
}

func TestClosedWAL(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "test.wal"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Append(EventPersist, "a", nil)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.ErrorIs(t, w.Truncate(), ErrWALClosed)
	assert.ErrorIs(t, w.Replay(func(Event) error { return nil }), ErrWALClosed)
}

func TestChecksum(t *testing.T) {
	e := Event{Seq: 7, Type: EventPersist, StoreID: "a", Record: json.RawMessage(`{}`)}
	e.Checksum = CalculateChecksum(e)
	assert.True(t, VerifyChecksum(e))

	// Timestamp 不參與計算
	e.Timestamp = 12345
	assert.True(t, VerifyChecksum(e))

	for _, mutate := range []func(*Event){
		func(e *Event) { e.Seq = 8 },
		func(e *Event) { e.Type = EventRemove },
		func(e *Event) { e.StoreID = "b" },
		func(e *Event) { e.Record = json.RawMessage(`{"x":1}`) },
	} {
		changed := e
		mutate(&changed)
		assert.False(t, VerifyChecksum(changed))
	}
}
