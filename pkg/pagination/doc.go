// Package pagination fetches every page of a paginated resource in
// parallel.
//
// The server reports the page count in the X-Pages header of each page.
// BatchFetcher fetches page 1, reads the count and hands the remaining
// pages to a fixed number of workers. With ClientFetcher each page is an
// ordinary request on a client.Client, so pages are cached, coalesced and
// gated by the error budget like any other request.
//
//	fetcher := pagination.NewClientBatchFetcher(c, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, "https://api.example.com/v1/orders")
//
// On failure FetchAllPages returns the pages it did fetch along with the
// first error.
package pagination
