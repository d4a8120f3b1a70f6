package client

import "github.com/pkg/errors"

// ErrNotConnected indicates that the driver has no live broker connection.
var ErrNotConnected = errors.New("not connected")

// ErrAlreadyConnected indicates that Connect was called on a live driver.
var ErrAlreadyConnected = errors.New("already connected")

// ErrRegistrationRefused indicates that the broker refused the registration.
var ErrRegistrationRefused = errors.New("registration refused")

// ErrClosed indicates that the driver was closed while a call was in flight.
var ErrClosed = errors.New("driver closed")
