package federation

import (
	"log"
	"time"

	"github.com/deemkeen/fedbridge/db"
	"github.com/deemkeen/fedbridge/protocol"
	"github.com/deemkeen/fedbridge/util"
)

// backoffMinutes is the retry ladder for failed queue items.
var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

const maxAttempts = 10

// Worker drains the receive queue: each item re-dispatches a stored
// inbound object through the pipeline. Retries back off exponentially;
// items are dropped after maxAttempts.
type Worker struct {
	store    *db.DB
	pipeline *Pipeline
	reg      *protocol.Registry
	poll     time.Duration
}

func NewWorker(store *db.DB, pipeline *Pipeline, reg *protocol.Registry, conf *util.AppConfig) *Worker {
	poll := time.Duration(conf.Conf.QueuePollSecs) * time.Second
	if poll <= 0 {
		poll = 10 * time.Second
	}
	return &Worker{store: store, pipeline: pipeline, reg: reg, poll: poll}
}

// Start launches the polling loop. It returns immediately; the loop
// stops when done is closed.
func (w *Worker) Start(done <-chan struct{}) {
	log.Println("Starting receive queue worker...")
	ticker := time.NewTicker(w.poll)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.ProcessPending()
			}
		}
	}()
}

// ProcessPending handles one batch of due queue items.
func (w *Worker) ProcessPending() {
	items, err := w.store.ReadPendingReceives(50)
	if err != nil {
		log.Printf("QueueWorker: failed to read queue: %v", err)
		return
	}
	if len(items) == 0 {
		return
	}
	log.Printf("QueueWorker: processing %d pending items", len(items))

	for _, item := range items {
		err := w.processItem(&item)
		switch {
		case err == nil, err == ErrNoContent, IsBadInput(err):
			// done, or permanently unprocessable: either way, no retry
			if err != nil && err != ErrNoContent {
				log.Printf("QueueWorker: dropping %s: %v", item.ObjectId, err)
			}
			if delErr := w.store.DeleteReceive(item.Id); delErr != nil {
				log.Printf("QueueWorker: failed to delete %s: %v", item.Id, delErr)
			}
		default:
			item.Attempts++
			if item.Attempts >= maxAttempts {
				log.Printf("QueueWorker: giving up on %s after %d attempts", item.ObjectId, item.Attempts)
				if delErr := w.store.DeleteReceive(item.Id); delErr != nil {
					log.Printf("QueueWorker: failed to delete %s: %v", item.Id, delErr)
				}
				continue
			}
			backoff := backoffMinutes[min(item.Attempts-1, len(backoffMinutes)-1)]
			nextRetry := time.Now().Add(time.Duration(backoff) * time.Minute)
			log.Printf("QueueWorker: %s failed (attempt %d), retry in %dm: %v",
				item.ObjectId, item.Attempts, backoff, err)
			if updErr := w.store.UpdateReceiveAttempt(item.Id, item.Attempts, nextRetry); updErr != nil {
				log.Printf("QueueWorker: failed to update %s: %v", item.Id, updErr)
			}
		}
	}
}

func (w *Worker) processItem(item *db.QueueItem) error {
	stored, err := w.store.ReadObject(item.ObjectId)
	if err != nil {
		return err
	}
	if stored == nil || stored.Payload == nil {
		return badInputf("queued object %s is gone", item.ObjectId)
	}
	via := w.reg.ForLabel(stored.SourceProtocol)
	return w.pipeline.Receive(via, stored.Payload)
}
