package subscriber

import "github.com/tnewman/topic-subscriber/pkg/broker"

// Handler is the user code a Subscriber drives.
//
// Init runs once during Start. It returns the last acknowledged offset of
// every partition it knows about (delivery resumes right after it) and the
// initial handler state. An error aborts Start.
//
// Handle runs on the subscriber's loop, one message at a time. It must return
// either Accept(state), promising a later Subscriber.Ack for the message, or
// Ack(state) when the message is fully processed. A zero Result or a non-nil
// error is treated as a bug in the handler and terminates the subscriber.
type Handler[S any] interface {
	Init(topic string, initArg any) (committed map[int32]int64, state S, err error)
	Handle(partition int32, msg *broker.Message, state S) (Result[S], error)
}

type resultKind int

const (
	resultInvalid resultKind = iota
	resultAccepted
	resultAcked
)

// Result is what Handle returns for one message.
type Result[S any] struct {
	kind  resultKind
	state S
}

// Accept reports that the message was taken for asynchronous processing.
// No further message is dispatched until it is acknowledged.
func Accept[S any](state S) Result[S] {
	return Result[S]{kind: resultAccepted, state: state}
}

// Ack reports that the message was processed synchronously.
func Ack[S any](state S) Result[S] {
	return Result[S]{kind: resultAcked, state: state}
}

// State returns the handler state carried by r.
func (r Result[S]) State() S {
	return r.state
}
