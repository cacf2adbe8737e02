// Package worker implements the offline cache manager: the install, fetch and
// activate lifecycle of a versioned cache bucket, plus the Registration shell
// that decides which installed version controls which client.
//
// Install fetches every manifest URL before anything is written, so a failed
// or aborted install never leaves a half-populated bucket promoted to current.
// Fetch interception always produces a response: a cached entry, the network
// response, the cached shell document for navigations, or a synthesized 503.
// Activation deletes every bucket whose name differs from the current version.
package worker
