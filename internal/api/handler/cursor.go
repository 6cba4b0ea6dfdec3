package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/jobstore"
)

// DecodeJobCursor parses the opaque listing cursor; an empty string means the first page
func DecodeJobCursor(cursorStr string) (*jobstore.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var submittedAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &submittedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid submittedAt in cursor: %w", err)
	}

	return &jobstore.Cursor{
		SubmittedAt: time.Unix(0, submittedAt).UTC(),
		ID:          decodedParts[1],
	}, nil
}

// EncodeJobCursor is the inverse of DecodeJobCursor
func EncodeJobCursor(cursor *jobstore.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.SubmittedAt.UnixNano(), cursor.ID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
