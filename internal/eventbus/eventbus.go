// Package eventbus provides an in-process publish/subscribe bus used to
// report run progress to observers such as the progress bar.
package eventbus

// DefaultBuffer is the channel capacity of Subscribe.
const DefaultBuffer = 8

// EventBus implements a publish/subscribe bus for events of type T.
type EventBus[T any] interface {
	Publish(T)
	Subscribe() <-chan T
	SubscribeBuffered(n int) <-chan T
	Unsubscribe(<-chan T)
	Close()
}

var _ EventBus[struct{}] = (*TypedBus[struct{}])(nil)
