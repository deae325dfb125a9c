package stm32boot

import (
	"sync"
	"time"
)

// parseFunc consumes one inbound chunk and calls done once it has reached
// a terminal result; when it needs more data it returns without calling
// done.
type parseFunc func(chunk []byte, done func(err error, value []byte))

// withTimeoutAndData is the single place spec §4.3 names: it issues an
// outbound frame via begin, accumulates inbound chunks through onData,
// and resolves on parser completion or on deadline. done is invoked at
// most once; whichever of {parser success, parser error, begin error,
// deadline} fires first wins and the data subscription this call
// installed is detached before the result is delivered.
//
// The command layer (commands.go) never touches u.Data() or u.Stop()
// directly; every exchange goes through this function so timeout
// handling and at-most-once completion live in one place.
func withTimeoutAndData(u UART, begin func() error, onData parseFunc, timeout time.Duration) ([]byte, error) {
	var (
		once   sync.Once
		result []byte
		resErr error
		doneCh = make(chan struct{})
	)

	finish := func(err error, value []byte) {
		once.Do(func() {
			resErr = err
			result = value
			close(doneCh)
		})
	}

	data := u.Data()
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		for {
			select {
			case chunk, ok := <-data:
				if !ok {
					finish(ErrTimeout, nil)
					return
				}
				onData(chunk, finish)
			case <-doneCh:
				return
			}
		}
	}()

	if err := begin(); err != nil {
		finish(err, nil)
	}

	select {
	case <-doneCh:
	case <-time.After(timeout):
		finish(ErrTimeout, nil)
	}

	// Wait for the reader goroutine to stop listening so it cannot consume
	// a chunk that belongs to the next exchange.
	<-exited
	return result, resErr
}
