// Package server is the multi-tenant backend behind `tether serve`.
//
// It exposes a small JSON API for resource instances, sign-in, token
// retrieval and token reuse, plus the browser-facing OAuth callback. The
// pending sign-in travels as a sealed handle in an HttpOnly cookie scoped to
// the callback path, so no server-side session state is kept between the
// authorize call and the callback.
//
// Callers are identified by an HS256 JWT with "sub" and "tenant" claims,
// sent as a bearer token or, for the browser-facing callback, in the
// tether_session cookie. Error responses never carry internal detail.
//
// Routes:
//
//	GET    /healthz
//	POST   /api/v1/instances
//	DELETE /api/v1/instances/{id}
//	POST   /api/v1/instances/{id}/authorize
//	GET    /api/v1/instances/{id}/reusable
//	POST   /api/v1/instances/{id}/reuse
//	GET    /api/v1/instances/{id}/token
//	DELETE /api/v1/instances/{id}/token
//	GET    <callback path>
package server
