// Package auth turns bearer tokens presented on the websocket upgrade into
// access.Accountability values.
//
// Tokens are HS256 JWTs signed with the node's shared secret:
//
//	{
//	  "sub":   "user-id",
//	  "role":  "editor",
//	  "share": "",       // set for share-link sessions
//	  "admin": false,
//	  "exp":   1767225600
//	}
//
// The subject is required; an expired or unsigned token is rejected.
package auth
