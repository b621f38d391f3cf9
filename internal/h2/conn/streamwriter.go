package conn

import "github.com/coriolis-h2/h2core/internal/h2/hpack"

// streamWriter is the concrete task.ResponseWriter a handler task sees,
// bound to one stream id. Every method reaches back into the owning
// Connection, which takes its own lock per call — the handler task never
// holds a lock itself, and blocks only inside SendData while the
// connection task drains a parked send.
type streamWriter struct {
	conn     *Connection
	streamID uint32
}

func (w *streamWriter) SendHeaders(headers []hpack.HeaderField, endStream bool) error {
	return w.conn.SendHeaders(w.streamID, headers, endStream)
}

func (w *streamWriter) SendData(data []byte, endStream bool) error {
	sent, wait, err := w.conn.SendData(w.streamID, data, endStream)
	if err != nil || sent {
		return err
	}
	return <-wait
}

func (w *streamWriter) SendTrailers(trailers []hpack.HeaderField) error {
	return w.conn.SendHeaders(w.streamID, trailers, true)
}

func (w *streamWriter) Push(headers []hpack.HeaderField) error {
	_, err := w.conn.SendPush(w.streamID, headers)
	return err
}

func (w *streamWriter) Terminate(reason error) {
	w.conn.StreamTerminated(w.streamID, reason)
}
