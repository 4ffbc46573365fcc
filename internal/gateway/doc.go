// Package gateway talks to the push messaging gateway: it resolves the
// gateway URL, performs delivery attempts over HTTP and interprets their
// results for the dispatch engine.
package gateway
