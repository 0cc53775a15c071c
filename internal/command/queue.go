package command

import "sync"

// DefaultQueueSize bounds how many commands may wait for the broker
// while the channel is disconnected.
const DefaultQueueSize = 32

// commandQueue is a bounded FIFO. When full, pushing drops the oldest
// entry so the newest configuration intent always wins.
type commandQueue struct {
	mu   sync.Mutex
	cmds []Command
	max  int
}

func newCommandQueue(max int) *commandQueue {
	if max <= 0 {
		max = DefaultQueueSize
	}
	return &commandQueue{max: max}
}

// push appends cmd. If the bound is exceeded it returns the dropped
// oldest command and true.
func (q *commandQueue) push(cmd Command) (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cmds = append(q.cmds, cmd)
	if len(q.cmds) <= q.max {
		return Command{}, false
	}
	dropped := q.cmds[0]
	q.cmds = append(q.cmds[:0], q.cmds[1:]...)
	return dropped, true
}

// peek returns the head without removing it.
func (q *commandQueue) peek() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.cmds) == 0 {
		return Command{}, false
	}
	return q.cmds[0], true
}

// dropHead removes the head after a successful publish, but only if it
// is still the command that was published. An overflow during the
// publish may already have evicted it, and removing whatever took its
// place would silently lose a command that was never sent.
func (q *commandQueue) dropHead(seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.cmds) > 0 && q.cmds[0].Seq == seq {
		q.cmds = append(q.cmds[:0], q.cmds[1:]...)
	}
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds)
}
