// Package oauth implements the wire side of the OAuth 2.1 authorization code
// flow with PKCE.
//
// It has no storage and no notion of users or tenants. Callers in
// internal/engine and internal/registration combine it with persistence.
//
// # Core Components
//
//   - PKCE and state material: NewVerifier, Challenge, NewState, NewNonce
//   - Discovery: RFC 8414 / OIDC authorization server metadata and RFC 9728
//     protected resource metadata
//   - RegisterClient: RFC 7591 dynamic client registration
//   - ExchangeCode and RefreshToken: form-encoded token requests using
//     client_secret_post for confidential clients and none for public ones
//   - EndSession: RP-initiated logout
//   - BuildAuthorizationURL: authorization URL with S256 challenge and
//     provider hints
//
// Token endpoint failures are returned as *ProviderError and are never
// retried here.
package oauth
