package jobqueue

import (
	"encoding/json"
	"sync"
	"time"
)

// CollectResults implements the fan-in half of a fan-out/fan-in batch.
// It subscribes to resultSubject and invokes done exactly once, with the
// terminal results of all expect siblings, in arrival order. Duplicate
// deliveries of the same job result (at-least-once transport) are dropped.
//
// Delivery of a terminal result can be lost (a worker crash mid-unit, a
// connection blip), so the join carries a deadline: if the batch is still
// incomplete after timeout, done runs with the partial result set and the
// subscription is removed. A timeout <= 0 disables the deadline.
//
// The subscription is removed once the batch completes or expires. The
// caller does not wait: collection happens as results arrive.
func (q *Queue) CollectResults(resultSubject string, expect int, timeout time.Duration, done func([]Result)) (Subscription, error) {
	if expect <= 0 {
		done(nil)
		return nil, nil
	}

	state := &collectorState{
		seen: map[string]bool{},
	}

	handler := func(data []byte) {
		result := Result{}
		if err := json.Unmarshal(data, &result); err != nil {
			q.Log.Errorf("Dropping undecodable result on %v: %v", resultSubject, err)
			return
		}
		state.mu.Lock()
		if state.finished || state.seen[result.JobID] {
			state.mu.Unlock()
			return
		}
		state.seen[result.JobID] = true
		state.results = append(state.results, result)
		complete := len(state.results) == expect
		if complete {
			state.finished = true
		}
		batch := state.results
		sub := state.sub
		timer := state.timer
		state.mu.Unlock()

		if complete {
			if timer != nil {
				timer.Stop()
			}
			if sub != nil {
				sub.Unsubscribe()
			}
			done(batch)
		}
	}

	sub, err := q.transport.QueueSubscribe(resultSubject, "", handler)
	if err != nil {
		return nil, err
	}

	expire := func() {
		state.mu.Lock()
		if state.finished {
			state.mu.Unlock()
			return
		}
		state.finished = true
		batch := state.results
		sub := state.sub
		state.mu.Unlock()

		q.Log.Warnf("Abandoning result collection on %v with %v/%v results", resultSubject, len(batch), expect)
		if sub != nil {
			sub.Unsubscribe()
		}
		done(batch)
	}

	state.mu.Lock()
	state.sub = sub
	alreadyDone := state.finished
	if !alreadyDone && timeout > 0 {
		state.timer = time.AfterFunc(timeout, expire)
	}
	state.mu.Unlock()
	if alreadyDone {
		// The final result arrived before we stashed the subscription
		sub.Unsubscribe()
	}
	return sub, nil
}

type collectorState struct {
	mu       sync.Mutex
	sub      Subscription
	timer    *time.Timer
	seen     map[string]bool
	results  []Result
	finished bool
}
