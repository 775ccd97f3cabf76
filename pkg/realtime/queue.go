package realtime

import "github.com/Ahui-qn/2video/pkg/protocol"

type queuedUpdate struct {
	frame  []byte
	update protocol.ProjectUpdate
}

// offlineQueue holds update frames attempted while the transport was down.
// It is guarded by the client mutex.
type offlineQueue struct {
	items []queuedUpdate
}

func (q *offlineQueue) push(frame []byte, update protocol.ProjectUpdate) {
	q.items = append(q.items, queuedUpdate{frame: frame, update: update})
}

func (q *offlineQueue) len() int {
	return len(q.items)
}

// flush writes frames oldest first and drops each one once written. It stops
// at the first failure, keeping that frame and everything after it. The
// updates that reached the transport are returned in send order.
func (q *offlineQueue) flush(write func([]byte) error) ([]protocol.ProjectUpdate, error) {
	var sent []protocol.ProjectUpdate
	for len(q.items) > 0 {
		item := q.items[0]
		if err := write(item.frame); err != nil {
			return sent, err
		}
		q.items[0] = queuedUpdate{}
		q.items = q.items[1:]
		sent = append(sent, item.update)
	}
	q.items = nil
	return sent, nil
}

// overlay applies updates to a snapshot in order; later blobs win.
func overlay(snap protocol.Snapshot, updates []protocol.ProjectUpdate) protocol.Snapshot {
	for _, u := range updates {
		if len(u.DocumentBlob) > 0 {
			snap.DocumentBlob = u.DocumentBlob
		}
		if len(u.ScriptBlob) > 0 {
			snap.ScriptBlob = u.ScriptBlob
		}
	}
	return snap
}
