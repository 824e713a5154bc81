// Package dispatch schedules network requests through a cache.
//
// A RequestQueue owns two priority queues. Requests added with Add go to
// the cache queue, where a single cache dispatcher looks them up:
//
//   - fresh entries are parsed and delivered without a network call
//   - missing, expired or refresh-needed entries go to the network queue,
//     carrying any stale entry so the transport can revalidate it
//
// A pool of network dispatchers (DefaultPoolSize) performs the requests,
// parses the responses on the worker goroutine, writes cacheable results
// and hands them to a Delivery, which runs callbacks on an Executor.
//
// Requests that opt out of caching skip the cache queue entirely. Requests
// sharing a cache key while one of them is in flight are coalesced: only
// the first reaches the network and the others receive its outcome.
//
// Ordering is priority first, then submission order. Cancellation is a
// flag checked when a dispatcher takes the request and again right before
// delivery; a cancelled request never sees a callback.
//
// Example:
//
//	q := dispatch.NewRequestQueue(cache.NewMemoryCache(0), network.NewHTTPNetwork(network.DefaultHTTPConfig()), dispatch.DefaultConfig())
//	q.Start()
//	defer q.Stop()
//
//	q.Add(req) // req embeds *dispatch.Base
package dispatch
