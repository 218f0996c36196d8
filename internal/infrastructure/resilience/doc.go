/*
Package resilience provides circuit breakers for outbound calls.

# Overview

The HTTP transport keeps one Breaker per target host in a Group, so a script
hammering a dead endpoint fails fast without affecting requests to other hosts.

# Usage

	group := resilience.NewGroup(resilience.Settings{
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	resp, err := resilience.Call(group.Get(host), func() (*Response, error) {
		return client.Do(req)
	})

Streaming callers use Allow and report the outcome once the body is consumed.

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
