package approval

import "fmt"

type TooManyPendingError struct {
	max int
}

func (e TooManyPendingError) Error() string {
	return fmt.Sprintf("too many pending approval requests (max: %d)", e.max)
}

type TooManyPendingPerIPError struct {
	ip  string
	max int
}

func (e TooManyPendingPerIPError) Error() string {
	return fmt.Sprintf(
		"too many pending approval requests from IP %s (max: %d)",
		e.ip,
		e.max,
	)
}

type TooManyPendingPerProxyError struct {
	proxy string
	max   int
}

func (e TooManyPendingPerProxyError) Error() string {
	return fmt.Sprintf(
		"too many pending approval requests for proxy %s (max: %d)",
		e.proxy,
		e.max,
	)
}
