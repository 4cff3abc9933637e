package testutil

import (
	"time"

	"github.com/AfshinJalili/withdrawal-ranges/libs/auth"
)

const AdminSubject = "ops-admin"

func GenerateJWT(subject string, roles []string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	return auth.SignJWT(subject, roles, secret, ttl, now)
}

// AdminToken signs a short-lived token carrying the admin role.
func AdminToken(secret []byte) (string, error) {
	return GenerateJWT(AdminSubject, []string{"admin"}, secret, time.Hour, time.Now())
}
