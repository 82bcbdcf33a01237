// Package server implements the authorization server core: configuration,
// redirect URI validation, token issuance and rotation, and the
// authorization and grant flows that tie the storage backends, the
// credentials vault, and the identity provider bridge together.
package server
