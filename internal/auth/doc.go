// Package auth acquires the short-lived bearer token used on every backend call.
//
// # Token Source
//
// The backend issues ~15 minute JWTs from POST /api/token/refresh in exchange
// for the web session cookie. TokenSource caches the current token and reuses
// it while more than RefreshMargin (60s) of validity remains; the expiry is read
// from the exp claim when the token is a JWT, and assumed to be DefaultLifetime
// after issue otherwise.
//
//	ts, err := auth.NewTokenSource(auth.TokenConfig{
//	    BaseURL: "https://app.example.com",
//	    Session: &http.Cookie{Name: "PHPSESSID", Value: session},
//	})
//	token, err := ts.Token(ctx)
//
// Concurrent Token calls that need a refresh share one request.
//
// # Errors
//
// A 401 from the refresh endpoint returns ErrSessionLost: the user must sign
// in again and callers abandon the current cycle. Other failures are
// *api.TransportError or *api.ServerRejection and affect only that call.
//
// A bearer call refused with 401 should be followed by Invalidate so the next
// Token call fetches a fresh token.
package auth
