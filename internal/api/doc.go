// Package api is the HTTP contract with the delivery-note backend.
//
// # Endpoints
//
//	POST /api/delivery-notes                 multipart: file, etablissementId
//	GET  /api/bons-livraison                 ?etablissementId=&since=&limit=&page=
//	GET  /api/bons-livraison/{id}/image      binary body
//	POST /api/token/refresh                  session cookie -> {token}
//
// The token refresh call is made by package auth; this package provides the
// path constant and the shared error mapping.
//
// # Errors
//
// Every call returns either a *TransportError (no usable response, including
// bodies that do not match the expected shape) or a *ServerRejection (non-2xx,
// with the server's message preserved). ServerRejection.Unauthorized reports a
// refused bearer token so callers can drop their cached token.
package api
