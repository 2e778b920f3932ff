/*
Package balancer routes queries across a set of backend database nodes.

# Pipeline

Every attempt of a query runs the same stages:

	throttle.Acquire → scheduler turn → SelectNode → breaker.Call → pool.WithConnection → executor

A failed attempt, including one rejected by an open breaker or one that
found no available node, is retried from the top with a fresh node
selection until the request's MaxRetries is spent. The final error is
returned unchanged in the response.

# Strategies

Selection only considers nodes that are both healthy and active:

  - round_robin: rotate through the candidates
  - weighted_round_robin: sample proportionally to node weight
  - least_connections, least_response_time: pick the minimum
  - consistent_hash: FNV-1a of user, session or request id, modulo the
    candidate count. Any change to the candidate set reshuffles assignments.
  - adaptive: pick the lowest load score; when that node is above 80%
    utilization, sample by inverse load score instead

# Health

Start runs a loop that marks each node healthy iff its success rate is
above HealthyThreshold (0.5 by default). Health is derived from cumulative
counters only; the loop does not probe nodes.
*/
package balancer
