// Package client implements the session driver for talking to the match
// broker.
//
// The driver performs the following steps:
//	1. Connect to the broker's websocket endpoint.
//	2. Register a team name and receive the assigned player id.
//	3. Keep the session alive with periodic keepalive frames.
//	4. Request matches against other registered players, or accept
//	   invitations pushed by the broker through the NotificationHandler.
//	5. Submit gestures and poll scorecards for each round of an active
//	   match, falling back from pushed results to polling automatically.
//
// Gesture submission and scorecard polling retry transient statuses a
// bounded number of times with a fixed delay between attempts. When the
// budget is exhausted the driver gives up with LOSS_OF_SYNCHRONIZATION and
// the caller is expected to abort the match.
//
// Connect honours its context; every other call is bounded by the
// configured call timeout instead of a caller context. Transport failures
// surface as status codes, never as raw websocket errors.
package client
