package mqttbus

import "sync"

// queue runs posted functions in order on one goroutine. MQTT handlers
// post into it so that callbacks may publish without stalling the paho
// router.
type queue struct {
	ch   chan func()
	quit chan struct{}
	wg   sync.WaitGroup
}

func newQueue(size int) *queue {
	q := &queue{
		ch:   make(chan func(), size),
		quit: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *queue) run() {
	defer q.wg.Done()
	for {
		select {
		case fn := <-q.ch:
			fn()
		case <-q.quit:
			for {
				select {
				case fn := <-q.ch:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post reports false once the queue is closed.
func (q *queue) post(fn func()) bool {
	select {
	case <-q.quit:
		return false
	default:
	}

	select {
	case q.ch <- fn:
		return true
	case <-q.quit:
		return false
	}
}

// close runs what is already queued and waits for the goroutine.
func (q *queue) close() {
	close(q.quit)
	q.wg.Wait()
}
