package filter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yungbote/stairway/errs"
)

const pageTokenVersion = 1

type pageTokenPayload struct {
	V int    `json:"v"`
	T string `json:"t"`
}

// EncodePageToken wraps a submit-time cursor as an opaque base64url
// string. The token carries a version so the format can evolve.
func EncodePageToken(submitTime time.Time) string {
	payload, _ := json.Marshal(pageTokenPayload{
		V: pageTokenVersion,
		T: submitTime.UTC().Format(time.RFC3339Nano),
	})
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodePageToken unwraps a token produced by EncodePageToken.
func DecodePageToken(token string) (time.Time, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: undecodable page token", errs.ErrBadRequest)
	}
	var payload pageTokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed page token", errs.ErrBadRequest)
	}
	if payload.V != pageTokenVersion {
		return time.Time{}, fmt.Errorf("%w: unsupported page token version %d", errs.ErrBadRequest, payload.V)
	}
	cursor, err := time.Parse(time.RFC3339Nano, payload.T)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid page token cursor", errs.ErrBadRequest)
	}
	return cursor, nil
}
