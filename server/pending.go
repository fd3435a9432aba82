package server

import (
	"encoding/json"
	"os"
	"sync"

	"jim/protocol"

	"github.com/google/uuid"
)

// Queued is one undelivered message awaiting its recipient.
type Queued struct {
	ID  uuid.UUID        `json:"id"`
	Msg protocol.Message `json:"msg"`
}

// Batch is the drained queue of a single reachable recipient, in FIFO order.
type Batch struct {
	Recipient string
	Entries   []Queued
}

// PendingStore holds a per-recipient FIFO queue of undelivered messages.
// The whole map round-trips through a single JSON document, which is the
// system's only durability surface for chat traffic.
type PendingStore struct {
	mu     sync.Mutex
	queues map[string][]Queued
}

func NewPendingStore() *PendingStore {
	return &PendingStore{queues: make(map[string][]Queued)}
}

// Enqueue appends msg to the recipient's queue.
func (p *PendingStore) Enqueue(recipient string, msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[recipient] = append(p.queues[recipient], Queued{ID: uuid.New(), Msg: msg})
}

// DrainDeliverable removes and returns the queues of every recipient the
// callback reports reachable. Entries keep their arrival order.
func (p *PendingStore) DrainDeliverable(reachable func(username string) bool) []Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	var batches []Batch
	for recipient, entries := range p.queues {
		if len(entries) == 0 || !reachable(recipient) {
			continue
		}
		batches = append(batches, Batch{Recipient: recipient, Entries: entries})
		delete(p.queues, recipient)
	}
	return batches
}

// Requeue reinserts entries at the front of the recipient's queue, keeping
// their relative order. Used when a delivery attempt fails mid-batch so that
// nothing is lost or reordered.
func (p *PendingStore) Requeue(recipient string, entries []Queued) {
	if len(entries) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[recipient] = append(append([]Queued(nil), entries...), p.queues[recipient]...)
}

// Depth returns the total number of queued messages across all recipients.
func (p *PendingStore) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, entries := range p.queues {
		total += len(entries)
	}
	return total
}

// Persist serializes the full queue map as one JSON document.
func (p *PendingStore) Persist() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.MarshalIndent(p.queues, "", "  ")
}

// Restore replaces the store's contents with a previously persisted document.
func (p *PendingStore) Restore(data []byte) error {
	queues := make(map[string][]Queued)
	if err := json.Unmarshal(data, &queues); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues = queues
	return nil
}

// Save writes the persisted document to path.
func (p *PendingStore) Save(path string) error {
	data, err := p.Persist()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load restores the store from path. A missing file yields an empty store.
func (p *PendingStore) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.Restore(data)
}
