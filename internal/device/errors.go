package device

import "errors"

// ConnectivityError wraps a transport-level failure: timeout, dial
// failure, dropped connection. Callers treat these differently from
// application-level rejections, because a connectivity failure aborts
// the whole reconciliation cycle instead of failing one record.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string { return e.Err.Error() }
func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err (or any error in its chain) is a
// ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
