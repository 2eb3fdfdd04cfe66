package errors

import "errors"

var (
	// ErrTimeout reports that an adapter operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed reports that the adapter's backend connection is gone.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDisconnected reports use of an adapter after Disconnect.
	ErrDisconnected = errors.New("adapter disconnected")
)
