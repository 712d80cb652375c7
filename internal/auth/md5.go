// Package auth implements the client- and server-role authentication
// exchanges the pooler needs: MD5, SCRAM-SHA-256 in both directions (with
// passthrough support), and the auth_query credential cache.
package auth

import (
	"crypto/md5"
	"encoding/hex"
)

// MD5Password computes PostgreSQL's "md5" + md5(md5(password+user)+salt)
// challenge-response, used both when doorman authenticates itself to a
// backend and when it authenticates an incoming client.
func MD5Password(user, password string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
