package loader

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/visimg/go-imagepool/decode"
)

type completionAction func()

type aggregatorEntry struct {
	keyID     string
	completed bool
	action    completionAction
}

// CompletionAggregator serializes out-of-order decode completions into
// request-order delivery. Controllers register expected keys in bind
// order; a completion for a key behind the head of the ledger is buffered
// until everything ahead of it has been delivered or forgotten.
//
// Ordering is best-effort, delivery is mandatory: a completion for a key
// with no ledger entry runs immediately, and forgetting an entry that
// already buffered its completion runs that completion rather than
// dropping it. Buffered actions re-check handle identity themselves, so
// running one for an abandoned binding releases its buffer instead of
// applying it.
type CompletionAggregator struct {
	ledger []*aggregatorEntry

	mutex sync.Mutex
}

// NewCompletionAggregator creates a new CompletionAggregator
func NewCompletionAggregator() *CompletionAggregator {
	return &CompletionAggregator{
		ledger: []*aggregatorEntry{},
	}
}

// Expect appends the key to the ledger. Expecting a key already in the
// ledger is a no-op, so only the first controller to await a key
// registers it.
func (aggregator *CompletionAggregator) Expect(key decode.RequestKey) {
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()

	if aggregator.findLocked(key.ID()) >= 0 {
		return
	}

	aggregator.ledger = append(aggregator.ledger, &aggregatorEntry{
		keyID: key.ID(),
	})
}

// Forget removes the key's ledger entry so an abandoned request never
// blocks delivery for requests behind it. A completion already buffered
// for the key runs immediately.
func (aggregator *CompletionAggregator) Forget(key decode.RequestKey) {
	aggregator.mutex.Lock()

	index := aggregator.findLocked(key.ID())
	if index < 0 {
		aggregator.mutex.Unlock()
		return
	}

	entry := aggregator.ledger[index]
	aggregator.ledger = append(aggregator.ledger[:index], aggregator.ledger[index+1:]...)

	runnables := []completionAction{}
	if entry.completed && entry.action != nil {
		runnables = append(runnables, entry.action)
	}

	// removing the head may expose completed entries behind it
	runnables = append(runnables, aggregator.drainHeadLocked()...)

	aggregator.mutex.Unlock()

	for _, runnable := range runnables {
		runnable()
	}
}

// Execute delivers the completion for the key. If the key is the head of
// the ledger the action runs now and any completed entries newly at the
// head cascade; otherwise the action is buffered until the key becomes
// the head. A key without a ledger entry runs immediately.
//
// Actions always run outside the aggregator lock.
func (aggregator *CompletionAggregator) Execute(key decode.RequestKey, action func()) {
	logger := log.WithFields(log.Fields{
		"package":  "loader",
		"struct":   "CompletionAggregator",
		"function": "Execute",
	})

	aggregator.mutex.Lock()

	index := aggregator.findLocked(key.ID())
	if index < 0 {
		aggregator.mutex.Unlock()

		// never expected or already forgotten
		action()
		return
	}

	if index == 0 {
		aggregator.ledger = aggregator.ledger[1:]

		runnables := []completionAction{action}
		runnables = append(runnables, aggregator.drainHeadLocked()...)

		aggregator.mutex.Unlock()

		for _, runnable := range runnables {
			runnable()
		}
		return
	}

	logger.Debugf("deferring completion for key %q behind %d earlier requests", key.ID(), index)

	entry := aggregator.ledger[index]
	entry.completed = true
	entry.action = action

	aggregator.mutex.Unlock()
}

// Pending returns the number of undelivered ledger entries
func (aggregator *CompletionAggregator) Pending() int {
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()

	return len(aggregator.ledger)
}

// drainHeadLocked pops completed entries off the head of the ledger and
// returns their actions. The aggregator mutex must be held.
func (aggregator *CompletionAggregator) drainHeadLocked() []completionAction {
	runnables := []completionAction{}

	for len(aggregator.ledger) > 0 {
		head := aggregator.ledger[0]
		if !head.completed {
			break
		}

		aggregator.ledger = aggregator.ledger[1:]
		if head.action != nil {
			runnables = append(runnables, head.action)
		}
	}

	return runnables
}

// findLocked returns the ledger index of the key, or -1.
// The aggregator mutex must be held.
func (aggregator *CompletionAggregator) findLocked(keyID string) int {
	for index, entry := range aggregator.ledger {
		if entry.keyID == keyID {
			return index
		}
	}

	return -1
}
