package tunnel

// Logging convention in the `tunnel` package, with glog:
// Info:
//     abnormal events. Silent on normal operation, except one time initialization.
//     this includes:
//     - dropped records and frames that failed to decode
//     - auth failures, dropped watchers, reconnects
// V(1):
//     per batch summaries and selection misses
// V(2):
//     per message trace (send, receive, ping, refilter counts)
//
// Tags are bracketed and short, e.g. `[ss]` sync server, `[sc]` sync client, `[view]`,
// `[trace]` recovered panics.
