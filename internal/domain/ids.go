package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewRunID builds a sortable run identifier: run_<date>_<time>_<random>.
// The timestamp prefix keeps IDs human-scannable in logs; the random suffix
// disambiguates runs started within the same second.
func NewRunID(t time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to the clock so run creation never fails.
		return fmt.Sprintf("run_%s_%08x", t.UTC().Format("20060102_150405"), t.UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("run_%s_%s", t.UTC().Format("20060102_150405"), hex.EncodeToString(buf))
}

// NewWebhookID returns a unique webhook record identifier.
func NewWebhookID() string {
	return "wh_" + uuid.NewString()
}

// NewErrorID returns a unique error record identifier.
func NewErrorID() string {
	return "err_" + uuid.NewString()
}

// NewAlertID returns a unique alert identifier.
func NewAlertID() string {
	return "alert_" + uuid.NewString()
}

// NewSnapshotID returns a unique metrics snapshot identifier.
func NewSnapshotID() string {
	return "snap_" + uuid.NewString()
}
