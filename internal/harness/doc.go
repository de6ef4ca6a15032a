// Package harness runs sync scenarios: YAML files that seed the in-memory
// backend, open collection stores, inject change events, mutations and
// failures, and then assert on the resulting trace and final caches.
//
// Every step is followed by draining the loop, so a scenario is fully
// deterministic: the same file always produces the same trace. Traces are
// compared against golden files with goldie.
//
// A scenario file looks like:
//
//	name: echo_dedupe
//	description: a mutation is applied once whichever copy arrives first
//	seed:
//	  item:
//	    - {id: a, name: Latte, price_nok: 50}
//	stores:
//	  - {collection: item, sort: insertion}
//	steps:
//	  - open: item
//	  - create: {collection: item, fields: {name: Mocha, price_nok: 60}}
//	assertions:
//	  - {type: items, collection: item, ids: [a, item-1]}
//
// # Steps
//
// Each step sets exactly one operation:
//   - open, close: open or close the store of a collection
//   - push, push_raw: deliver a change event to subscribers
//   - create, update, delete: send a mutation through the store
//   - hold, release: block and unblock the initial fetch
//   - fail_list, fail_join, fail_requests: inject transport failures
//   - disconnect: close the topic as a dropped socket would
//   - echo: "before_response", "after_response" or "none"
//   - flush_echoes: deliver queued mutation echoes
//
// expect_error names the error kind a step must return (FETCH_FAILED,
// TOPIC_JOIN_FAILED, REQUEST_FAILED) or "any".
//
// # Assertions
//
//   - items: cached ids in order
//   - stale: the stale flag
//   - outcomes: outcomes of one source, in order
//   - field: a field of a cached record
//   - requests: number of mutation requests by "METHOD collection"
package harness
