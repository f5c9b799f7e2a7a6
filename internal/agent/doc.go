// Package agent is the client-held deployment behind `tether auth`.
//
// A single user signs in through the browser. The pending sign-in lives only
// in this process, the provider redirects to a loopback listener (or a custom
// URI scheme), and tokens are kept as encrypted files in the token
// directory. While a long-running command is active the refresh timer keeps
// the token fresh, and a directory watcher picks up tokens refreshed by other
// tether processes.
package agent
