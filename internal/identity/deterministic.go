package identity

import (
	"fmt"
	"strings"
	"time"

	hashid "github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
)

// UUID derives a deterministic UUID from a stable key using go-hashid.
//
// Callers must ensure key construction prevents cross-entity collisions (prefix by domain/type).
func UUID(key string) uuid.UUID {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return uuid.Nil
	}
	uid, err := hashid.NewUUID(trimmed, hashid.WithHashAlgorithm(hashid.SHA256), hashid.WithNormalization(true))
	if err != nil || uid == uuid.Nil {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(trimmed))
	}
	return uid
}

// EscalationUUID identifies the audit event of one pending period, so a
// replayed sweep records the same row.
func EscalationUUID(contentID uuid.UUID, dueAt time.Time) uuid.UUID {
	return UUID(fmt.Sprintf("omnipost:escalation:%s:%d", contentID, dueAt.UTC().Unix()))
}

// OutcomeUUID identifies the audit event of a sealed attempt.
func OutcomeUUID(attemptID uuid.UUID) uuid.UUID {
	return UUID("omnipost:attempt_outcome:" + attemptID.String())
}

// AccountExpiryUUID identifies the audit event of an account expiring at a
// given token expiry.
func AccountExpiryUUID(accountID uuid.UUID, at time.Time) uuid.UUID {
	return UUID(fmt.Sprintf("omnipost:account_expired:%s:%d", accountID, at.UTC().Unix()))
}
