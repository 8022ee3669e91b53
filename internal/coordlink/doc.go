// Package coordlink is this daemon's half of the conversation with the
// cluster coordinator: fetching the current Configuration and reporting
// quiescence during a configuration change (spec §4.6).
//
// The transport is plain JSON over HTTP through the package's small
// postJSON/getJSON helpers, on top of which coordlink adds the typed
// request/response shapes of configuration distribution. Each call makes a
// single request; nothing here retries. Static is a fixed-configuration test double
// for tests that don't need a real coordinator.
package coordlink
