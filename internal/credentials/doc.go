// Package credentials defines how the engine obtains the session's bearer
// credential. The engine never persists or refreshes credentials itself; a
// Source collaborator owns that. Inspect reads the claims of a JWT-shaped
// token without verifying its signature to learn the local user ID and the
// expiry; the client never holds the server secret, so validation stays the
// server's job at handshake.
package credentials
