package sink

import (
	"time"

	"go2tv.app/screenrec/media"
)

// audioGapThreshold is the largest hole in an audio track that is left
// alone. Longer gaps are filled with silence.
const audioGapThreshold = 40 * time.Millisecond

// videoTimeline lays frames onto constant frame-rate slots. The newest frame
// is held until the next one arrives so it can be repeated over any slots
// the capture source skipped; two frames landing in one slot keep the later.
type videoTimeline struct {
	interval time.Duration

	pending     []byte
	pendingSlot int64
	hasPending  bool
	written     int64
}

// push adds a frame at rel. It returns the previously held frame and how
// many slots it covers, or repeat 0 when nothing is ready. dropped reports a
// frame replaced within its slot.
func (t *videoTimeline) push(rel time.Duration, data []byte) (emit []byte, repeat int, dropped bool) {
	slot := int64(rel / t.interval)
	if !t.hasPending {
		t.pending, t.pendingSlot, t.hasPending = data, t.written, true
		return nil, 0, false
	}
	if slot <= t.pendingSlot {
		t.pending = data
		return nil, 0, true
	}
	emit, repeat = t.pending, int(slot-t.pendingSlot)
	t.written += int64(repeat)
	t.pending, t.pendingSlot = data, slot
	return emit, repeat, false
}

// finish releases the held frame, stretched to cover the timeline up to end.
func (t *videoTimeline) finish(end time.Duration) ([]byte, int) {
	if !t.hasPending {
		return nil, 0
	}
	endSlot := int64((end + t.interval - 1) / t.interval)
	repeat := int(endSlot - t.pendingSlot)
	if repeat < 1 {
		repeat = 1
	}
	emit := t.pending
	t.written += int64(repeat)
	t.pending, t.hasPending = nil, false
	return emit, repeat
}

// audioTimeline tracks how much encoder-format PCM one track has received.
type audioTimeline struct {
	written int64
}

func (a *audioTimeline) position() time.Duration {
	return bytesDuration(a.written)
}

// place positions a batch starting at rel. It returns the silence to write
// first and the part of data to write after it; data before the origin is
// trimmed.
func (a *audioTimeline) place(rel time.Duration, data []byte) (silence int, payload []byte) {
	payload = data
	if rel < 0 {
		trim := media.SilenceBytes(-rel)
		if trim >= len(payload) {
			return 0, nil
		}
		payload = payload[trim:]
		rel = 0
	}
	if gap := rel - a.position(); gap > audioGapThreshold {
		silence = media.SilenceBytes(gap)
	}
	a.written += int64(silence + len(payload))
	return silence, payload
}

// padTo returns the silence needed to extend the track to end.
func (a *audioTimeline) padTo(end time.Duration) int {
	gap := end - a.position()
	if gap <= audioGapThreshold {
		return 0
	}
	n := media.SilenceBytes(gap)
	a.written += int64(n)
	return n
}

func bytesDuration(n int64) time.Duration {
	frame := int64(media.EncoderChannels * 2)
	return time.Duration(n/frame) * time.Second / media.EncoderSampleRate
}
