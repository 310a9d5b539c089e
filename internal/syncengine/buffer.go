package syncengine

import "fmt"

// offsetWriter is an io.WriterAt over an in-memory buffer whose absolute
// position zero is base rather than the buffer's own start: remote.Client
// implementations write at the object's real byte offset (see
// remote.Client.Download's rng.Start), so a chunk fetch's WriteAt calls
// land at e.g. offset 8388608 for chunk 1, not at 0.
type offsetWriter struct {
	base int64
	buf  []byte
}

func (w *offsetWriter) WriteAt(p []byte, off int64) (int, error) {
	rel := off - w.base
	if rel < 0 {
		return 0, fmt.Errorf("offset %d precedes buffer base %d", off, w.base)
	}
	need := rel + int64(len(p))
	if need > int64(len(w.buf)) {
		grown := make([]byte, need)
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[rel:], p)
	return len(p), nil
}
