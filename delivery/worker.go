package delivery

import (
	"log"
	"time"
)

// StartWorker starts the background worker that drains the receive queue
// and sweeps expired objects. Each unit of work runs once, single-threaded;
// delivery inside a unit is serial by design.
func StartWorker(d *Deliverer) {
	log.Println("Starting delivery worker...")

	ticker := time.NewTicker(10 * time.Second)
	go func() {
		for range ticker.C {
			processReceiveQueue(d)
		}
	}()

	sweep := time.NewTicker(time.Hour)
	go func() {
		for range sweep.C {
			deleted, err := d.DB.DeleteExpiredObjects(time.Now().UTC())
			if err != nil {
				log.Printf("Worker: Expiry sweep failed: %v", err)
			} else if deleted > 0 {
				log.Printf("Worker: Expired %d objects", deleted)
			}
		}
	}()
}

// processReceiveQueue processes pending units of work (max 50 at a time).
func processReceiveQueue(d *Deliverer) {
	items, err := d.DB.ReadPendingReceives(50)
	if err != nil {
		log.Printf("Worker: Failed to read queue: %v", err)
		return
	}

	if len(items) == 0 {
		return
	}

	log.Printf("Worker: Processing %d pending units", len(items))

	for _, item := range items {
		res, err := d.Run(item)
		switch {
		case err == nil:
			log.Printf("Worker: Processed %s for %s: %d %s", item.Source, item.User, res.Status, res.Body)
			if err := d.DB.DeleteReceive(item.Id); err != nil {
				log.Printf("Worker: Failed to delete %s: %v", item.Id, err)
			}

		case IsClient(err):
			// input errors never succeed on retry
			log.Printf("Worker: Dropping %s for %s: %v", item.Source, item.User, err)
			if err := d.DB.DeleteReceive(item.Id); err != nil {
				log.Printf("Worker: Failed to delete %s: %v", item.Id, err)
			}

		default:
			// retryable: transport failures on required fetches, and fatal
			// delivery errors that left undelivered targets behind
			item.Attempts++
			backoffMinutes := []int{1, 5, 15, 60, 240, 1440}[min(item.Attempts-1, 5)]
			item.NextRetryAt = time.Now().Add(time.Duration(backoffMinutes) * time.Minute)

			if item.Attempts >= 10 {
				// Give up after 10 attempts
				log.Printf("Worker: Giving up on %s for %s after %d attempts", item.Source, item.User, item.Attempts)
				if err := d.DB.DeleteReceive(item.Id); err != nil {
					log.Printf("Worker: Failed to delete %s: %v", item.Id, err)
				}
			} else {
				log.Printf("Worker: %s for %s failed (attempt %d), retry in %dm: %v",
					item.Source, item.User, item.Attempts, backoffMinutes, err)
				if err := d.DB.UpdateReceiveAttempt(item.Id, item.Attempts, item.NextRetryAt); err != nil {
					log.Printf("Worker: Failed to reschedule %s: %v", item.Id, err)
				}
			}
		}
	}
}
