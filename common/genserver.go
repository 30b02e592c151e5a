package common

// FailsafeOp is used by gen-server style components (one goroutine
// owning state, driven by a command channel) to avoid blocking a
// caller forever against a component that has already shut down.
func FailsafeOp(
	reqch, respch chan []interface{},
	cmd []interface{},
	finch chan bool) ([]interface{}, error) {

	select {
	case reqch <- cmd:
		if respch != nil {
			select {
			case resp := <-respch:
				return resp, nil
			case <-finch:
				return nil, ErrClosed
			}
		}
	case <-finch:
		return nil, ErrClosed
	}
	return nil, nil
}

// FailsafeOpAsync is FailsafeOp for a fire-and-forget command; the
// caller does not wait for a response.
func FailsafeOpAsync(reqch chan []interface{}, cmd []interface{}, finch chan bool) error {
	select {
	case reqch <- cmd:
	case <-finch:
		return ErrClosed
	}
	return nil
}

// FailsafeOpNoblock is FailsafeOpAsync that never blocks: if `reqch`
// is full the caller gets ErrQueueFull back immediately.
func FailsafeOpNoblock(reqch chan []interface{}, cmd []interface{}, finch chan bool) error {
	select {
	case reqch <- cmd:
	case <-finch:
		return ErrClosed
	default:
		return ErrQueueFull
	}
	return nil
}

// OpError unwraps the trailing error slot of a FailsafeOp response.
func OpError(err error, vals []interface{}, idx int) error {
	if err != nil {
		return err
	}
	if vals != nil && idx < len(vals) && vals[idx] != nil {
		return vals[idx].(error)
	}
	return nil
}
